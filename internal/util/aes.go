package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// SealingKeySize is the length of keys accepted by SealGCM and OpenGCM.
const SealingKeySize = 32

// ErrSealedRecord is returned when a sealed record fails authentication,
// including when it is opened under a different record context.
var ErrSealedRecord = errors.New("sealed record failed authentication")

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SealingKeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", SealingKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealGCM encrypts plaintext under key with a fresh random nonce. aad binds
// the result to its record (for TOTP secrets, a prefix plus the user ID) so a
// sealed value copied onto another record will not open.
func SealGCM(key, plaintext, aad []byte) (nonce, sealed []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, aad), nil
}

// OpenGCM reverses SealGCM.
func OpenGCM(key, nonce, sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", gcm.NonceSize(), len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrSealedRecord
	}
	return plaintext, nil
}

// NewAESKey returns a random sealing key.
func NewAESKey() ([]byte, error) {
	key := make([]byte, SealingKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating sealing key: %w", err)
	}
	return key, nil
}
