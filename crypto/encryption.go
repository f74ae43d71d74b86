package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const aes256KeySize = 32

// SessionKey is the symmetric key shared by the two ends of one connection.
type SessionKey []byte

// Encrypt seals plaintext and returns nonce || ciphertext.
func (k SessionKey) Encrypt(plaintext []byte) ([]byte, error) {
	ciphertext, iv, err := Encrypt(k, plaintext)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(iv)+len(ciphertext))
	sealed = append(sealed, iv...)
	return append(sealed, ciphertext...), nil
}

// Decrypt opens a nonce || ciphertext blob produced by Encrypt.
func (k SessionKey) Decrypt(sealed []byte) ([]byte, error) {
	const nonceSize = 12
	if len(sealed) <= nonceSize {
		return nil, errors.New("sealed data too short")
	}
	return Decrypt(k, sealed[:nonceSize], sealed[nonceSize:])
}

// Encrypt encrypts plaintext with AES-256-GCM and returns ciphertext and IV.
func Encrypt(sessionKey, plaintext []byte) (ciphertext, iv []byte, err error) {
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// Decrypt decrypts AES-256-GCM ciphertext using the provided IV.
func Decrypt(sessionKey, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("ciphertext is required")
	}

	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(iv), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}

	return plaintext, nil
}

func newGCM(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != aes256KeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), aes256KeySize)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
