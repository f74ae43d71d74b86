package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	signingPrivatePEMType = "ED25519 PRIVATE KEY"
	signingPublicPEMType  = "ED25519 PUBLIC KEY"
)

// SigningKeys is the long-lived Ed25519 identity used to sign the peer id at handshake.
type SigningKeys struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// EnsureSigningKeys loads the identity keypair, generating it on first run.
func EnsureSigningKeys(privatePath, publicPath string) (SigningKeys, error) {
	raw, err := readPEM(privatePath, signingPrivatePEMType, ed25519.PrivateKeySize)
	if err == nil {
		keys := SigningKeys{Private: ed25519.PrivateKey(raw)}
		keys.Public = keys.Private.Public().(ed25519.PublicKey)

		stored, pubErr := readPEM(publicPath, signingPublicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, keys.Public) {
			if err := writePEM(publicPath, signingPublicPEMType, keys.Public, 0o644); err != nil {
				return SigningKeys{}, err
			}
		}
		return keys, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return SigningKeys{}, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeys{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := writePEM(privatePath, signingPrivatePEMType, privateKey, 0o600); err != nil {
		return SigningKeys{}, err
	}
	if err := writePEM(publicPath, signingPublicPEMType, publicKey, 0o644); err != nil {
		return SigningKeys{}, err
	}

	return SigningKeys{Private: privateKey, Public: publicKey}, nil
}

func readPEM(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(blockType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", path)
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", path, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", path, len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEM(path, blockType string, key []byte, perm os.FileMode) error {
	block := &pem.Block{Type: blockType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(blockType), err)
	}
	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups fingerprint text in blocks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
