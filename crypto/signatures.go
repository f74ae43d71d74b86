package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// SignPeerID signs the handshake peer id, proving ownership of the signing key.
func SignPeerID(privateKey ed25519.PrivateKey, peerID string) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if peerID == "" {
		return nil, errors.New("peer id is required")
	}
	return ed25519.Sign(privateKey, peerIDSignable(peerID)), nil
}

// VerifyPeerID reports whether signature is a valid signature of peerID by publicKey.
func VerifyPeerID(publicKey []byte, peerID string, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize || peerID == "" {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), peerIDSignable(peerID), signature)
}

func peerIDSignable(peerID string) []byte {
	return []byte("packsync-peer-id:" + peerID)
}
