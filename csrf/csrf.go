// Package csrf binds a double-submit CSRF secret to each live session.
//
// The secret is keyed by the session token hash, so a secret leaked from one
// session cannot authorize requests on another. The browser reads it from
// the non-HttpOnly csrf cookie and echoes it in the X-CSRF-Token header on
// state-changing requests.
package csrf

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/jmcleod/ironguard/internal/util"
)

const (
	// CookieName carries the secret to the browser.
	CookieName = "csrf"
	// HeaderName must echo the secret on unsafe requests.
	HeaderName = "X-CSRF-Token"

	secretBytes = 32
)

var (
	ErrMissingToken  = errors.New("missing CSRF token")
	ErrTokenMismatch = errors.New("invalid CSRF token")
)

// Store maps session token hashes to CSRF secrets.
type Store struct {
	mu      sync.Mutex
	secrets map[string]string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{secrets: make(map[string]string)}
}

// Ensure returns the secret for tokenHash, creating one if none exists.
func (s *Store) Ensure(tokenHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret, ok := s.secrets[tokenHash]; ok {
		return secret, nil
	}
	secret, err := util.RandomToken(secretBytes)
	if err != nil {
		return "", fmt.Errorf("generating CSRF secret: %w", err)
	}
	s.secrets[tokenHash] = secret
	return secret, nil
}

// Get returns the stored secret, if any.
func (s *Store) Get(tokenHash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.secrets[tokenHash]
	return secret, ok
}

// Delete drops the association. Deleting an unknown hash is a no-op.
func (s *Store) Delete(tokenHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, tokenHash)
}

// Len reports the number of live associations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.secrets)
}

// SafeMethod reports whether method is exempt from CSRF checks.
func SafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// Verify checks the X-CSRF-Token header of r against the secret bound to
// tokenHash. Safe methods and requests without a resolved session
// (tokenHash == "") pass.
func (s *Store) Verify(r *http.Request, tokenHash string) error {
	if SafeMethod(r.Method) || tokenHash == "" {
		return nil
	}
	secret, _ := s.Get(tokenHash)
	return VerifySecret(r, secret)
}

// VerifySecret checks the X-CSRF-Token header of r against secret. Safe
// methods pass; an empty secret fails like a missing token.
func VerifySecret(r *http.Request, secret string) error {
	if SafeMethod(r.Method) {
		return nil
	}
	header := r.Header.Get(HeaderName)
	if header == "" || secret == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(header)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}
