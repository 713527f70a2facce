package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ironguard/internal/util"
)

const (
	SchemeAES256GCM = "aes256gcm"
	SchemePlainJSON = "plain-json"
)

// Envelope is a stored record. Sealed records carry AES-256-GCM ciphertext;
// plain records carry JSON in Ciphertext with an empty Nonce.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte, version ...uint64) (*Envelope, error) {
	nonce, ciphertext, err := util.SealGCM(recordKey, plaintext, aad)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Ver:        1,
		Scheme:     SchemeAES256GCM,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env, nil
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != SchemeAES256GCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	return util.OpenGCM(recordKey, envelope.Nonce, envelope.Ciphertext, aad)
}

// PlainRecord marshals v as JSON into an unencrypted Envelope.
func PlainRecord(v any, version uint64) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling record: %w", err)
	}
	return &Envelope{
		Ver:        1,
		Scheme:     SchemePlainJSON,
		Ciphertext: data,
		Version:    version,
	}, nil
}

// DecodePlain unmarshals the JSON body of a plain Envelope into v.
func DecodePlain(envelope *Envelope, v any) error {
	if envelope == nil {
		return ErrNotFound
	}
	if envelope.Scheme != SchemePlainJSON {
		return fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	if err := json.Unmarshal(envelope.Ciphertext, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}
