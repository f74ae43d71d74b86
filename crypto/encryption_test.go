package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testSessionKey(t *testing.T) SessionKey {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate session key: %v", err)
	}
	return SessionKey(key)
}

func TestSessionKeyRoundTrip(t *testing.T) {
	key := testSessionKey(t)
	plaintext := bytes.Repeat([]byte("mods/sodium.jar "), 4096)

	sealed, err := key.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("sodium")) {
		t.Fatalf("sealed data leaks plaintext")
	}

	opened, err := key.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("decrypted plaintext does not match original")
	}
}

func TestSessionKeyRoundTripEmptyChunk(t *testing.T) {
	key := testSessionKey(t)
	sealed, err := key.Encrypt(nil)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	opened, err := key.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if len(opened) != 0 {
		t.Fatalf("expected empty plaintext, got %d bytes", len(opened))
	}
}

func TestDecryptWithDifferentKeyFails(t *testing.T) {
	sealed, err := testSessionKey(t).Encrypt([]byte("config/options.txt"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := testSessionKey(t).Decrypt(sealed); err == nil {
		t.Fatalf("expected decrypt with a different key to fail")
	}
}

func TestDecryptTamperedDataFails(t *testing.T) {
	key := testSessionKey(t)
	sealed, err := key.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := key.Decrypt(sealed); err == nil {
		t.Fatalf("expected tampered ciphertext to be rejected")
	}
	if _, err := key.Decrypt(sealed[:5]); err == nil {
		t.Fatalf("expected truncated ciphertext to be rejected")
	}
}
