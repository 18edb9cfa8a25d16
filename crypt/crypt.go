// Package crypt implements the key exchange and frame cipher used by the
// worker transport handshake.
package crypt

import (
	"crypto/des"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"math/big"
)

// DH parameters sized for the 8-byte session keys the frame cipher uses.
var (
	dhP = big.NewInt(0xFFFFFFFB)
	dhG = big.NewInt(2)
)

// KeySize is the session key size in bytes.
const KeySize = 8

// RandomKey generates a random session key.
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return key, nil
}

// Exchange derives the public half of a DH exchange from a private key.
func Exchange(private []byte) ([]byte, error) {
	p, err := clampPrivate(private)
	if err != nil {
		return nil, err
	}
	public := new(big.Int).Exp(dhG, p, dhP)
	return toKey(public), nil
}

// Secret derives the shared session secret from our private key and the
// peer's public key. Both sides arrive at the same secret.
func Secret(private, public []byte) ([]byte, error) {
	p, err := clampPrivate(private)
	if err != nil {
		return nil, err
	}
	if len(public) != KeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", KeySize, len(public))
	}
	pub := new(big.Int).SetBytes(public)
	secret := new(big.Int).Exp(pub, p, dhP)
	return toKey(secret), nil
}

// Challenge answers a handshake challenge with HMAC-SHA1 truncated to the
// key size, proving knowledge of the shared secret.
func Challenge(challenge, secret []byte) []byte {
	h := hmac.New(sha1.New, secret)
	h.Write(challenge)
	return h.Sum(nil)[:KeySize]
}

// VerifyChallenge checks a challenge answer in constant time.
func VerifyChallenge(challenge, secret, answer []byte) bool {
	return hmac.Equal(Challenge(challenge, secret), answer)
}

// Encrypt encrypts a frame payload with DES-ECB and PKCS5 padding.
func Encrypt(key, data []byte) ([]byte, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame cipher: %w", err)
	}

	padLen := KeySize - len(data)%KeySize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += KeySize {
		block.Encrypt(out[i:i+KeySize], padded[i:i+KeySize])
	}
	return out, nil
}

// Decrypt reverses Encrypt.
func Decrypt(key, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%KeySize != 0 {
		return nil, fmt.Errorf("encrypted frame length %d is not a multiple of %d", len(data), KeySize)
	}

	block, err := des.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame cipher: %w", err)
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += KeySize {
		block.Decrypt(out[i:i+KeySize], data[i:i+KeySize])
	}

	padLen := int(out[len(out)-1])
	if padLen < 1 || padLen > KeySize || padLen > len(out) {
		return nil, fmt.Errorf("invalid frame padding %d", padLen)
	}
	return out[:len(out)-padLen], nil
}

func clampPrivate(private []byte) (*big.Int, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", KeySize, len(private))
	}
	p := new(big.Int).SetBytes(private)
	// Keep the exponent in range for the small modulus.
	p = p.And(p, big.NewInt(0x7FFFFFFF))
	if p.Cmp(big.NewInt(1)) <= 0 {
		p = big.NewInt(2)
	}
	return p, nil
}

func toKey(n *big.Int) []byte {
	out := make([]byte, KeySize)
	b := n.Bytes()
	if len(b) <= KeySize {
		copy(out[KeySize-len(b):], b)
	} else {
		copy(out, b[len(b)-KeySize:])
	}
	return out
}
