package crypt

import (
	"bytes"
	"testing"
)

func TestExchangeAgreement(t *testing.T) {
	aPriv, err := RandomKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	bPriv, err := RandomKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	aPub, err := Exchange(aPriv)
	if err != nil {
		t.Fatalf("Failed to derive public key: %v", err)
	}
	bPub, err := Exchange(bPriv)
	if err != nil {
		t.Fatalf("Failed to derive public key: %v", err)
	}

	aSecret, err := Secret(aPriv, bPub)
	if err != nil {
		t.Fatalf("Failed to derive secret: %v", err)
	}
	bSecret, err := Secret(bPriv, aPub)
	if err != nil {
		t.Fatalf("Failed to derive secret: %v", err)
	}

	if !bytes.Equal(aSecret, bSecret) {
		t.Errorf("Shared secrets differ: %x vs %x", aSecret, bSecret)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := RandomKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	payloads := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("exactly8"),
		[]byte("a longer frame payload crossing several blocks"),
	}

	for _, payload := range payloads {
		enc, err := Encrypt(key, payload)
		if err != nil {
			t.Fatalf("Failed to encrypt %d bytes: %v", len(payload), err)
		}
		if len(enc)%KeySize != 0 {
			t.Errorf("Encrypted length %d not block aligned", len(enc))
		}

		dec, err := Decrypt(key, enc)
		if err != nil {
			t.Fatalf("Failed to decrypt: %v", err)
		}
		if !bytes.Equal(dec, payload) {
			t.Errorf("Round trip mismatch: %q vs %q", dec, payload)
		}
	}
}

func TestDecryptRejectsUnalignedFrame(t *testing.T) {
	key, err := RandomKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if _, err := Decrypt(key, []byte("short")); err == nil {
		t.Error("Expected error for unaligned frame")
	}
}

func TestChallengeVerification(t *testing.T) {
	secret := []byte("8bytekey")
	challenge := []byte("nonce-1234")

	answer := Challenge(challenge, secret)
	if !VerifyChallenge(challenge, secret, answer) {
		t.Error("Valid challenge answer rejected")
	}

	if VerifyChallenge(challenge, []byte("8bytekeX"), answer) {
		t.Error("Answer accepted with wrong secret")
	}

	tampered := append([]byte(nil), answer...)
	tampered[0] ^= 0xFF
	if VerifyChallenge(challenge, secret, tampered) {
		t.Error("Tampered answer accepted")
	}
}
