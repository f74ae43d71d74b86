package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "packsync session v1"

var x25519Curve = ecdh.X25519()

// GenerateEphemeralX25519KeyPair creates a per-connection X25519 keypair.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey validates raw peer key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid X25519 public key length: got %d want %d", len(raw), 32)
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret runs the Diffie-Hellman step.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil || peerPublicKey == nil {
		return nil, errors.New("both keys are required")
	}
	secret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// DeriveSessionKey expands a shared secret into a 32-byte AES key.
// Both sides derive the same key regardless of which id is local.
func DeriveSessionKey(sharedSecret []byte, localID, peerID string) (SessionKey, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}

	first, second := localID, peerID
	if second < first {
		first, second = second, first
	}
	info := []byte(sessionKeyInfo + "|" + first + "|" + second)

	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return SessionKey(key), nil
}

// KeyExchange combines the local ephemeral key with the raw peer key.
func KeyExchange(localPrivate *ecdh.PrivateKey, peerPublicRaw []byte, localID, peerID string) (SessionKey, error) {
	peerPublic, err := ParseX25519PublicKey(peerPublicRaw)
	if err != nil {
		return nil, err
	}
	secret, err := ComputeX25519SharedSecret(localPrivate, peerPublic)
	if err != nil {
		return nil, err
	}
	return DeriveSessionKey(secret, localID, peerID)
}
