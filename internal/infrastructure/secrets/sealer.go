package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keyLabel binds derived keys to this use so the same configured secret
// can never be reused for another purpose with the same key material.
const keyLabel = "nellis-auction-tracker/credentials/v1"

const (
	nonceSize = 12
	keySize   = 32
)

// Sealer encrypts the marketplace credential blob at rest with
// AES-256-GCM. The content key is derived from the configured secret via
// HKDF-SHA256; the secret and the key are never persisted.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the content-encryption key and prepares the AEAD.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret cannot be empty")
	}

	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyLabel))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce. Output layout is
// nonce || ciphertext || tag, the layout Open expects.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob, failing on truncation or tampering.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("sealed blob too short: %d bytes", len(sealed))
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed blob: %w", err)
	}
	return plaintext, nil
}
