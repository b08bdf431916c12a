// Package secrets seals and unseals sensitive values at rest.
//
// Sealed values carry a self-describing envelope so the store can tell
// sealed data from plaintext and future versions can change ciphers
// without guessing:
//
//	"sealed." + base64( version | algorithm | nonce | ciphertext )
//
// Version 1 uses AES-256-GCM with a key derived from the configured
// master secret. A value that fails to unseal is unusable and the
// caller must treat it as fatal.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	envelopePrefix = "sealed."

	versionV1  byte = 1
	algAESGCM  byte = 1
	headerSize      = 2 // version + algorithm
)

var (
	ErrNotSealed  = errors.New("secrets: value is not sealed")
	ErrCorrupt    = errors.New("secrets: sealed value is corrupt")
	ErrUnseal     = errors.New("secrets: unseal failed")
	ErrEmptyKey   = errors.New("secrets: master secret is empty")
	ErrEmptyValue = errors.New("secrets: value is empty")
)

// Store seals and unseals values with a single master key.
type Store struct {
	aead cipher.AEAD
}

// New derives an AES-256 key from the master secret and returns a Store.
func New(masterSecret string) (*Store, error) {
	if masterSecret == "" {
		return nil, ErrEmptyKey
	}

	key := sha256.Sum256([]byte(masterSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm init: %w", err)
	}

	return &Store{aead: aead}, nil
}

// IsSealed reports whether value carries the sealed envelope.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, envelopePrefix)
}

// Seal encrypts plaintext into a sealed envelope. Sealing an
// already-sealed value returns it unchanged, so migrations that
// re-seal a whole table are safe to re-run.
func (s *Store) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyValue
	}
	if IsSealed(plaintext) {
		return plaintext, nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}

	payload := make([]byte, 0, headerSize+len(nonce)+len(plaintext)+s.aead.Overhead())
	payload = append(payload, versionV1, algAESGCM)
	payload = append(payload, nonce...)
	payload = s.aead.Seal(payload, nonce, []byte(plaintext), payload[:headerSize+len(nonce)])

	return envelopePrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Unseal decrypts a sealed envelope back to plaintext.
func (s *Store) Unseal(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, envelopePrefix))
	if err != nil {
		return "", ErrCorrupt
	}
	if len(payload) < headerSize+s.aead.NonceSize() {
		return "", ErrCorrupt
	}
	if payload[0] != versionV1 || payload[1] != algAESGCM {
		return "", fmt.Errorf("%w: unknown envelope version %d/%d", ErrCorrupt, payload[0], payload[1])
	}

	nonce := payload[headerSize : headerSize+s.aead.NonceSize()]
	ciphertext := payload[headerSize+s.aead.NonceSize():]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, payload[:headerSize+len(nonce)])
	if err != nil {
		return "", ErrUnseal
	}
	return string(plaintext), nil
}
