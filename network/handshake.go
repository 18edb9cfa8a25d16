package network

import (
	"fmt"

	"github.com/refnet/refnet/crypt"
)

// The handshake identifies the dialing worker's rank and, when encryption is
// enabled, negotiates a session key:
//
//	dialer:   Hello{rank, public}        ->
//	listener:               <- Challenge{public + nonce}
//	dialer:   Answer{hmac(nonce, secret)} ->
//	listener:               <- Ready
//
// In plaintext mode Hello carries no key material and the listener replies
// Ready immediately.

// ClientHandshake identifies ourselves to the listener and, if encrypt is
// set, negotiates the frame cipher key.
func ClientHandshake(conn *Conn, selfRank int, encrypt bool) error {
	hello := &Message{Type: MessageTypeHello, SrcRank: int32(selfRank)}

	var private []byte
	if encrypt {
		var err error
		private, err = crypt.RandomKey()
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		public, err := crypt.Exchange(private)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		hello.Data = public
	}

	if err := conn.WriteMessage(hello); err != nil {
		return fmt.Errorf("handshake: failed to send hello: %w", err)
	}

	reply, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("handshake: failed to read reply: %w", err)
	}

	switch reply.Type {
	case MessageTypeReady:
		if encrypt {
			return fmt.Errorf("handshake: listener refused encryption")
		}
		return nil

	case MessageTypeChallenge:
		if !encrypt {
			return fmt.Errorf("handshake: listener requires encryption")
		}
		if len(reply.Data) != 2*crypt.KeySize {
			return fmt.Errorf("handshake: malformed challenge of %d bytes", len(reply.Data))
		}
		peerPublic := reply.Data[:crypt.KeySize]
		nonce := reply.Data[crypt.KeySize:]

		secret, err := crypt.Secret(private, peerPublic)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}

		answer := &Message{
			Type:    MessageTypeAnswer,
			SrcRank: int32(selfRank),
			Data:    crypt.Challenge(nonce, secret),
		}
		if err := conn.WriteMessage(answer); err != nil {
			return fmt.Errorf("handshake: failed to send answer: %w", err)
		}

		ready, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("handshake: failed to read ready: %w", err)
		}
		if ready.Type != MessageTypeReady {
			return fmt.Errorf("handshake: expected ready, got %s", ready.Type)
		}

		conn.SetKey(secret)
		return nil

	default:
		return fmt.Errorf("handshake: unexpected reply %s", reply.Type)
	}
}

// ServerHandshake completes the listener side and returns the peer's rank.
func ServerHandshake(conn *Conn, encrypt bool) (int, error) {
	hello, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("handshake: failed to read hello: %w", err)
	}
	if hello.Type != MessageTypeHello {
		return 0, fmt.Errorf("handshake: expected hello, got %s", hello.Type)
	}
	peerRank := int(hello.SrcRank)

	if !encrypt {
		if err := conn.WriteMessage(&Message{Type: MessageTypeReady}); err != nil {
			return 0, fmt.Errorf("handshake: failed to send ready: %w", err)
		}
		return peerRank, nil
	}

	if len(hello.Data) != crypt.KeySize {
		return 0, fmt.Errorf("handshake: peer did not offer a key")
	}

	private, err := crypt.RandomKey()
	if err != nil {
		return 0, fmt.Errorf("handshake: %w", err)
	}
	public, err := crypt.Exchange(private)
	if err != nil {
		return 0, fmt.Errorf("handshake: %w", err)
	}
	secret, err := crypt.Secret(private, hello.Data)
	if err != nil {
		return 0, fmt.Errorf("handshake: %w", err)
	}
	nonce, err := crypt.RandomKey()
	if err != nil {
		return 0, fmt.Errorf("handshake: %w", err)
	}

	challenge := &Message{
		Type: MessageTypeChallenge,
		Data: append(append([]byte{}, public...), nonce...),
	}
	if err := conn.WriteMessage(challenge); err != nil {
		return 0, fmt.Errorf("handshake: failed to send challenge: %w", err)
	}

	answer, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("handshake: failed to read answer: %w", err)
	}
	if answer.Type != MessageTypeAnswer {
		return 0, fmt.Errorf("handshake: expected answer, got %s", answer.Type)
	}
	if !crypt.VerifyChallenge(nonce, secret, answer.Data) {
		return 0, fmt.Errorf("handshake: challenge verification failed for rank %d", peerRank)
	}

	if err := conn.WriteMessage(&Message{Type: MessageTypeReady}); err != nil {
		return 0, fmt.Errorf("handshake: failed to send ready: %w", err)
	}

	conn.SetKey(secret)
	return peerRank, nil
}
