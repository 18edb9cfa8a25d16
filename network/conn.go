package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/refnet/refnet/crypt"
)

// Conn is a framed connection to a peer worker. Frames are length-prefixed
// encoded messages; when a session key is set, payloads travel encrypted.
type Conn struct {
	raw     net.Conn
	writeMu sync.Mutex

	// Session key from the handshake, nil in plaintext mode
	key []byte

	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int
}

// NewConn wraps an established network connection.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration, maxMessageSize int) *Conn {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Conn{
		raw:            raw,
		readTimeout:    readTimeout,
		writeTimeout:   writeTimeout,
		maxMessageSize: maxMessageSize,
	}
}

// SetKey installs the session key negotiated by the handshake.
func (c *Conn) SetKey(key []byte) {
	c.key = key
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// WriteMessage encodes and writes one frame.
func (c *Conn) WriteMessage(msg *Message) error {
	out := msg
	if c.key != nil && len(msg.Data) > 0 {
		enc, err := crypt.Encrypt(c.key, msg.Data)
		if err != nil {
			return fmt.Errorf("failed to encrypt frame: %w", err)
		}
		clone := *msg
		clone.Data = enc
		clone.Flags |= MessageFlagEncrypted
		out = &clone
	}

	frame, err := EncodeMessage(out, c.maxMessageSize)
	if err != nil {
		return err
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(frame)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.raw.Write(prefix); err != nil {
		return fmt.Errorf("failed to write frame prefix: %w", err)
	}
	if _, err := c.raw.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame, blocking until a full message arrives.
func (c *Conn) ReadMessage() (*Message, error) {
	if c.readTimeout > 0 {
		c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	} else {
		c.raw.SetReadDeadline(time.Time{})
	}

	prefix := make([]byte, 4)
	if _, err := io.ReadFull(c.raw, prefix); err != nil {
		return nil, err
	}

	frameLen := binary.BigEndian.Uint32(prefix)
	if frameLen < MessageHeaderSize || int(frameLen) > c.maxMessageSize {
		return nil, fmt.Errorf("invalid frame length %d", frameLen)
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(c.raw, frame); err != nil {
		return nil, err
	}

	msg, err := DecodeMessage(frame, c.maxMessageSize)
	if err != nil {
		return nil, err
	}

	if msg.HasFlag(MessageFlagEncrypted) {
		if c.key == nil {
			return nil, fmt.Errorf("received encrypted frame on plaintext connection")
		}
		dec, err := crypt.Decrypt(c.key, msg.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt frame: %w", err)
		}
		msg.Data = dec
		msg.Flags &^= MessageFlagEncrypted
	}
	return msg, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}
