package rpc

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/refnet/refnet/callable"
	"github.com/refnet/refnet/future"
	"github.com/refnet/refnet/protocol"
	"github.com/refnet/refnet/rref"
	"github.com/refnet/refnet/value"
)

// handle is the transport-facing dispatcher. Failures travel back as
// structured response data, never as transport errors, so the caller can
// re-raise them at the consumption point.
func (w *Worker) handle(ctx context.Context, src int, payload []byte) ([]byte, error) {
	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		return protocol.EncodeResponse(protocol.ErrorResponse(protocol.ErrKindSerialization, err))
	}

	var resp *protocol.Response
	switch req.Op {
	case protocol.OpCall:
		resp = w.handleCall(ctx, src, req)
	case protocol.OpRemote:
		resp = w.handleRemote(ctx, src, req)
	case protocol.OpFetch:
		resp = w.handleFetch(ctx, src, req)
	case protocol.OpAck:
		resp = w.handleAck(req)
	case protocol.OpRelease:
		resp = w.handleRelease(req)
	default:
		resp = protocol.ErrorResponse(protocol.ErrKindExecution,
			fmt.Errorf("unknown operation %q", req.Op))
	}
	return protocol.EncodeResponse(resp)
}

func (w *Worker) handleCall(ctx context.Context, src int, req *protocol.Request) *protocol.Response {
	f, err := w.funcs.Lookup(req.Fn)
	if err != nil {
		return protocol.ErrorResponse(protocol.ErrKindUndefined, err)
	}

	w.adoptIncoming(ctx, req)

	bound, err := callable.Bind(f, req.Args, req.Kwargs)
	if err != nil {
		return protocol.ErrorResponse(protocol.ErrKindBinding, err)
	}

	v, err := f.Body(ctx, runtime{w}, bound)
	if err != nil {
		return protocol.ErrorResponse(protocol.ErrKindExecution, err)
	}
	if err := w.checkResult(src, v); err != nil {
		return protocol.ErrorResponse(protocol.ErrKindSerialization, err)
	}
	return protocol.ValueResponse(v)
}

// handleRemote materializes a function result under the caller-assigned
// identity. The reply is sent only after materialization completed or
// failed, so a confirmed handle is never observably unmaterialized.
func (w *Worker) handleRemote(ctx context.Context, src int, req *protocol.Request) *protocol.Response {
	if req.Ref == nil {
		return protocol.ErrorResponse(protocol.ErrKindBinding,
			fmt.Errorf("remote creation without a reference identity"))
	}
	ref := *req.Ref

	if err := w.refs.ReserveOwned(ref); err != nil {
		return protocol.ErrorResponse(protocol.ErrKindOwnership, err)
	}

	fail := func(kind protocol.ErrKind, err error) *protocol.Response {
		if mErr := w.refs.Materialize(ref, value.Unit(), err); mErr != nil {
			Logger().Warn("failed to record remote failure", zap.Error(mErr))
		}
		return protocol.ErrorResponse(kind, err)
	}

	f, err := w.funcs.Lookup(req.Fn)
	if err != nil {
		return fail(protocol.ErrKindUndefined, err)
	}

	w.adoptIncoming(ctx, req)

	bound, err := callable.Bind(f, req.Args, req.Kwargs)
	if err != nil {
		return fail(protocol.ErrKindBinding, err)
	}

	v, err := f.Body(ctx, runtime{w}, bound)
	if err != nil {
		return fail(protocol.ErrKindExecution, err)
	}
	if mErr := w.refs.Materialize(ref, v, nil); mErr != nil {
		return protocol.ErrorResponse(protocol.ErrKindOwnership, mErr)
	}

	return protocol.ValueResponse(value.NewRef(ref))
}

func (w *Worker) handleFetch(ctx context.Context, src int, req *protocol.Request) *protocol.Response {
	if req.Ref == nil {
		return protocol.ErrorResponse(protocol.ErrKindBinding,
			fmt.Errorf("fetch without a reference identity"))
	}
	ref := *req.Ref

	v, err := w.refs.FetchLocal(ctx, ref)
	if err != nil {
		switch {
		case errors.Is(err, rref.ErrReleased):
			return protocol.ErrorResponse(protocol.ErrKindReleased, err)
		case errors.Is(err, rref.ErrUnknownRef):
			return protocol.ErrorResponse(protocol.ErrKindOwnership, err)
		}
		return protocol.ErrorResponse(protocol.ErrKindExecution, err)
	}
	if src != w.selfRank() && v.IsPinned() {
		return protocol.ErrorResponse(protocol.ErrKindSerialization,
			fmt.Errorf("stateful module instances cannot be deep-copied through RPC"))
	}
	return protocol.ValueResponse(v)
}

func (w *Worker) handleAck(req *protocol.Request) *protocol.Response {
	if req.Ref == nil {
		return protocol.ErrorResponse(protocol.ErrKindBinding,
			fmt.Errorf("ack without a reference identity"))
	}
	if err := w.refs.IncUser(*req.Ref); err != nil {
		return protocol.ErrorResponse(protocol.ErrKindOwnership, err)
	}
	return protocol.ValueResponse(value.Unit())
}

func (w *Worker) handleRelease(req *protocol.Request) *protocol.Response {
	if req.Ref == nil {
		return protocol.ErrorResponse(protocol.ErrKindBinding,
			fmt.Errorf("release without a reference identity"))
	}
	w.refs.DecUser(*req.Ref)
	return protocol.ValueResponse(value.Unit())
}

// adoptIncoming registers user entries for references arriving as
// arguments, acking each owner before the callee body runs. A reference
// observed inside the body is therefore already confirmed.
func (w *Worker) adoptIncoming(ctx context.Context, req *protocol.Request) {
	adopt := func(v value.Value) {
		if !v.IsRef() || v.Ref.Owner == w.selfRank() {
			return
		}
		ref := *v.Ref
		if !w.refs.AddUser(ref) {
			return
		}
		if err := w.SendAck(ctx, ref); err != nil {
			Logger().Warn("failed to ack reference owner",
				zap.String("ref", ref.String()),
				zap.Error(err))
			return
		}
		w.refs.ConfirmUser(ref)
	}

	for _, v := range req.Args {
		adopt(v)
	}
	for _, v := range req.Kwargs {
		adopt(v)
	}
}

// checkResult applies the outbound restrictions to a call result headed to
// src.
func (w *Worker) checkResult(src int, v value.Value) error {
	if src == w.selfRank() {
		return nil
	}
	return w.checkOutbound(src, v)
}

// runtime is the callable.Runtime the dispatcher hands to executing bodies.
type runtime struct {
	w *Worker
}

func (r runtime) SelfRank() int {
	return r.w.selfRank()
}

func (r runtime) WorkerName(rank int) string {
	return r.w.WorkerName(rank)
}

func (r runtime) ToHere(ctx context.Context, ref value.Ref) (value.Value, error) {
	return r.w.refs.Handle(ref).ToHere(ctx)
}

func (r runtime) LocalValue(ctx context.Context, ref value.Ref) (value.Value, error) {
	return r.w.refs.Handle(ref).LocalValue(ctx)
}

func (r runtime) IsOwner(ref value.Ref) bool {
	return ref.Owner == r.w.selfRank()
}

func (r runtime) ConfirmedByOwner(ref value.Ref) bool {
	return r.w.refs.Handle(ref).ConfirmedByOwner()
}

func (r runtime) OwnerName(ref value.Ref) string {
	return r.w.WorkerName(ref.Owner)
}

func (r runtime) CreateRef(v value.Value, typeTag string) value.Value {
	return r.w.refs.CreateOwned(v, typeTag).Value()
}

func (r runtime) CallAsync(ctx context.Context, dst, fn string, args []value.Value, kwargs map[string]value.Value) *future.Future {
	return r.w.CallAsync(ctx, dst, fn, args, kwargs)
}

func (r runtime) Remote(ctx context.Context, dst, fn string, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	rr, err := r.w.Remote(ctx, dst, fn, args, kwargs)
	if err != nil {
		return value.Unit(), err
	}
	return rr.Value(), nil
}
