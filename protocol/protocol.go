// Package protocol defines the wire envelopes exchanged between workers:
// call requests, reference-lifetime messages, and the structured result
// carrying either a value or a remote error. Failures cross the wire as
// data; they become raised errors only at the point a caller consumes the
// result.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/refnet/refnet/value"
)

// Op identifies the request kind.
type Op string

const (
	// OpCall executes a function and returns its value
	OpCall Op = "call"

	// OpRemote materializes a function result as a value owned by the callee
	OpRemote Op = "remote"

	// OpFetch retrieves the value behind an owned reference
	OpFetch Op = "fetch"

	// OpAck tells an owner that a new user holds one of its references
	OpAck Op = "ack"

	// OpRelease tells an owner that a user dropped one of its references
	OpRelease Op = "release"
)

// Request is the payload of one worker-to-worker request.
type Request struct {
	Op     Op                     `json:"op"`
	Fn     string                 `json:"fn,omitempty"`
	Args   []value.Value          `json:"args,omitempty"`
	Kwargs map[string]value.Value `json:"kwargs,omitempty"`

	// Ref names the subject reference: the pre-assigned identity for
	// OpRemote, the fetch/ack/release subject otherwise.
	Ref *value.Ref `json:"ref,omitempty"`
}

// ErrKind classifies a remote failure.
type ErrKind string

const (
	ErrKindExecution     ErrKind = "execution"
	ErrKindBinding       ErrKind = "binding"
	ErrKindOwnership     ErrKind = "ownership"
	ErrKindUndefined     ErrKind = "undefined_function"
	ErrKindSerialization ErrKind = "serialization"
	ErrKindReleased      ErrKind = "released"
)

// WireError is a remote failure carried as data. Message is preserved
// verbatim so callers can match on its text.
type WireError struct {
	Kind    ErrKind `json:"kind"`
	Message string  `json:"message"`
}

// Error implements the error interface.
func (e *WireError) Error() string {
	return e.Message
}

// NewWireError wraps an error for transmission.
func NewWireError(kind ErrKind, err error) *WireError {
	return &WireError{Kind: kind, Message: err.Error()}
}

// Response is the result of a request: a value or a structured error,
// never both.
type Response struct {
	Value *value.Value `json:"value,omitempty"`
	Err   *WireError   `json:"err,omitempty"`
}

// ValueResponse wraps a successful result.
func ValueResponse(v value.Value) *Response {
	return &Response{Value: &v}
}

// ErrorResponse wraps a failure.
func ErrorResponse(kind ErrKind, err error) *Response {
	if we, ok := err.(*WireError); ok {
		return &Response{Err: we}
	}
	return &Response{Err: NewWireError(kind, err)}
}

// Unwrap converts the response into the local call result, turning a wire
// error back into a raised error.
func (r *Response) Unwrap() (value.Value, error) {
	if r.Err != nil {
		return value.Unit(), r.Err
	}
	if r.Value == nil {
		return value.Unit(), nil
	}
	return *r.Value, nil
}

// EncodeRequest serializes a request.
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Op, err)
	}
	return data, nil
}

// DecodeRequest deserializes a request.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse serializes a response.
func EncodeResponse(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}

// DecodeResponse deserializes a response.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}
