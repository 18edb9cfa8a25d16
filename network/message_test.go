package network

import (
	"bytes"
	"testing"
)

func TestMessageEncodeDecode(t *testing.T) {
	msg := &Message{
		Type:    MessageTypeRequest,
		Session: 42,
		SrcRank: 1,
		DstRank: 3,
		Data:    []byte("payload"),
	}

	frame, err := EncodeMessage(msg, 0)
	if err != nil {
		t.Fatalf("Failed to encode message: %v", err)
	}
	if len(frame) != msg.Size() {
		t.Errorf("Expected frame of %d bytes, got %d", msg.Size(), len(frame))
	}

	got, err := DecodeMessage(frame, 0)
	if err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}

	if got.Type != MessageTypeRequest {
		t.Errorf("Expected type request, got %s", got.Type)
	}
	if got.Session != 42 {
		t.Errorf("Expected session 42, got %d", got.Session)
	}
	if got.SrcRank != 1 || got.DstRank != 3 {
		t.Errorf("Ranks lost in transit: src=%d dst=%d", got.SrcRank, got.DstRank)
	}
	if !bytes.Equal(got.Data, []byte("payload")) {
		t.Errorf("Payload lost in transit: %q", got.Data)
	}
}

func TestMessageEmptyPayload(t *testing.T) {
	msg := &Message{Type: MessageTypeReady}

	frame, err := EncodeMessage(msg, 0)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	got, err := DecodeMessage(frame, 0)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(got.Data) != 0 {
		t.Errorf("Expected empty payload, got %d bytes", len(got.Data))
	}
}

func TestMessageSizeLimit(t *testing.T) {
	msg := &Message{
		Type: MessageTypeRequest,
		Data: make([]byte, 1024),
	}

	if _, err := EncodeMessage(msg, 128); err == nil {
		t.Error("Expected error for oversized message")
	}

	frame, err := EncodeMessage(msg, 0)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if _, err := DecodeMessage(frame, 128); err == nil {
		t.Error("Expected error decoding oversized message")
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	if _, err := DecodeMessage([]byte{1, 2, 3}, 0); err == nil {
		t.Error("Expected error for truncated header")
	}

	msg := &Message{Type: MessageTypeRequest, Data: []byte("hello")}
	frame, err := EncodeMessage(msg, 0)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if _, err := DecodeMessage(frame[:len(frame)-2], 0); err == nil {
		t.Error("Expected error for truncated payload")
	}
}
