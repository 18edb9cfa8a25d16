// Package network provides the framed TCP transport between workers.
package network

import (
	"encoding/binary"
	"fmt"
)

// MessageType defines the type of network message
type MessageType uint32

const (
	// Handshake message types (0-99)
	MessageTypeHello     MessageType = 1
	MessageTypeChallenge MessageType = 2
	MessageTypeAnswer    MessageType = 3
	MessageTypeReady     MessageType = 4

	// Session message types (100+)
	MessageTypeRequest  MessageType = 100
	MessageTypeResponse MessageType = 101
	MessageTypeError    MessageType = 102
	MessageTypeNotify   MessageType = 103
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeHello:
		return "hello"
	case MessageTypeChallenge:
		return "challenge"
	case MessageTypeAnswer:
		return "answer"
	case MessageTypeReady:
		return "ready"
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponse:
		return "response"
	case MessageTypeError:
		return "error"
	case MessageTypeNotify:
		return "notify"
	default:
		return fmt.Sprintf("unknown(%d)", mt)
	}
}

// MessageFlag defines message flags
type MessageFlag uint32

const (
	MessageFlagNone      MessageFlag = 0
	MessageFlagEncrypted MessageFlag = 1 << 0
)

// Message is a transport frame. Session correlates a Response or Error with
// the Request that opened it.
type Message struct {
	Type    MessageType
	Flags   MessageFlag
	Session uint64
	SrcRank int32
	DstRank int32
	Data    []byte
}

// HasFlag checks if a message flag is set
func (m *Message) HasFlag(flag MessageFlag) bool {
	return m.Flags&flag != 0
}

// Size returns the total encoded size of the message in bytes.
func (m *Message) Size() int {
	return MessageHeaderSize + len(m.Data)
}

// Constants for message serialization
const (
	// MessageHeaderSize is the fixed size of the message header in bytes
	MessageHeaderSize = 28

	// DefaultMaxMessageSize bounds a frame when no configured limit applies
	DefaultMaxMessageSize = 64 * 1024 * 1024
)

// EncodeMessage encodes a message into a freshly allocated frame.
func EncodeMessage(msg *Message, maxSize int) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is nil")
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	dataLen := len(msg.Data)
	if MessageHeaderSize+dataLen > maxSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", MessageHeaderSize+dataLen, maxSize)
	}

	buf := make([]byte, MessageHeaderSize+dataLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msg.Type))
	binary.BigEndian.PutUint32(buf[4:8], uint32(msg.Flags))
	binary.BigEndian.PutUint64(buf[8:16], msg.Session)
	binary.BigEndian.PutUint32(buf[16:20], uint32(msg.SrcRank))
	binary.BigEndian.PutUint32(buf[20:24], uint32(msg.DstRank))
	binary.BigEndian.PutUint32(buf[24:28], uint32(dataLen))

	if dataLen > 0 {
		copy(buf[MessageHeaderSize:], msg.Data)
	}
	return buf, nil
}

// DecodeMessage decodes a frame produced by EncodeMessage.
func DecodeMessage(data []byte, maxSize int) (*Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	if len(data) < MessageHeaderSize {
		return nil, fmt.Errorf("frame too short for message header: %d bytes", len(data))
	}

	msg := &Message{
		Type:    MessageType(binary.BigEndian.Uint32(data[0:4])),
		Flags:   MessageFlag(binary.BigEndian.Uint32(data[4:8])),
		Session: binary.BigEndian.Uint64(data[8:16]),
		SrcRank: int32(binary.BigEndian.Uint32(data[16:20])),
		DstRank: int32(binary.BigEndian.Uint32(data[20:24])),
	}

	dataLen := binary.BigEndian.Uint32(data[24:28])
	if MessageHeaderSize+int(dataLen) > maxSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", MessageHeaderSize+dataLen, maxSize)
	}
	if len(data) < MessageHeaderSize+int(dataLen) {
		return nil, fmt.Errorf("frame too short for message: expected %d, got %d",
			MessageHeaderSize+int(dataLen), len(data))
	}

	if dataLen > 0 {
		msg.Data = make([]byte, dataLen)
		copy(msg.Data, data[MessageHeaderSize:MessageHeaderSize+int(dataLen)])
	}
	return msg, nil
}
