// Package session manages authenticated sessions: creation, resolution with
// sliding expiry and optional rotation, and revocation.
//
// Clients hold a raw 256-bit token. Only its SHA-256 hex digest is ever
// persisted or logged; it keys the session record, the CSRF association and
// the touch cache.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/ironguard/audit"
)

const (
	// CookieName carries the raw session token.
	CookieName = "sid"
	// Namespace is the storage namespace owned by the session manager.
	Namespace = "__sessions"

	recordType = "SESSION"
	tokenBytes = 32
)

// ErrSessionInvalid means the token is unknown, expired or revoked. Callers
// treat the request as anonymous.
var ErrSessionInvalid = errors.New("session invalid")

// ErrSessionRotated is returned for a token that was replaced by rotation.
// It wraps ErrSessionInvalid. The client may already hold the successor, so
// its cookies must be left alone.
var ErrSessionRotated = fmt.Errorf("%w: rotated", ErrSessionInvalid)

// Session is the persisted record.
type Session struct {
	TokenHash     string     `json:"token_hash"`
	UserID        string     `json:"user_id"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	ClientAddress string     `json:"client_address,omitempty"`
	ClientAgent   string     `json:"client_agent,omitempty"`
	RotatedFrom   string     `json:"rotated_from,omitempty"`
	// RotatedTo is the successor's token hash when rotation revoked this
	// session.
	RotatedTo string `json:"rotated_to,omitempty"`
}

// invalidErr returns the error Resolve reports for a session that is not
// valid.
func (s *Session) invalidErr() error {
	if s.RevokedAt != nil && s.RotatedTo != "" {
		return ErrSessionRotated
	}
	return ErrSessionInvalid
}

// Valid reports whether the session is neither revoked nor expired at now.
func (s *Session) Valid(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

func (s *Session) snapshot() audit.SessionSnapshot {
	snap := audit.SessionSnapshot{
		UserID:      s.UserID,
		ExpiresAt:   s.ExpiresAt,
		RotatedFrom: s.RotatedFrom,
	}
	if s.RevokedAt != nil {
		snap.RevokedAt = *s.RevokedAt
	}
	return snap
}

// Issued is returned once when a session is created. RawToken goes into the
// sid cookie and CSRFSecret into the csrf cookie; neither is stored.
type Issued struct {
	RawToken   string
	TokenHash  string
	ExpiresAt  time.Time
	CSRFSecret string
	Session    *Session
}

// Resolution is the outcome of a successful Resolve. When Rotated is set the
// caller must replace both cookies with the new values.
type Resolution struct {
	Session    *Session
	Rotated    *Issued
	CSRFSecret string
	// CSRFIssued is true when the CSRF secret was created by this call and
	// the client does not have it yet.
	CSRFIssued bool
	// PreviousCSRFSecret is the secret of the replaced session when Rotated
	// is set. The request that triggered rotation still carries it.
	PreviousCSRFSecret string
}

const (
	DefaultTTL              = 8 * time.Hour
	DefaultTouchInterval    = 5 * time.Minute
	DefaultRotationInterval = 1 * time.Hour
	DefaultPurgeAfter       = 24 * time.Hour
	DefaultTouchCacheSize   = 10000
	cleanupInterval         = 5 * time.Minute
)

// Config holds the session policy. Zero values take the defaults above.
type Config struct {
	TTL              time.Duration
	TouchInterval    time.Duration
	RotationEnabled  bool
	RotationInterval time.Duration
	PurgeAfter       time.Duration
	TouchCacheSize   int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.TouchInterval <= 0 {
		c.TouchInterval = DefaultTouchInterval
	}
	if c.RotationInterval <= 0 {
		c.RotationInterval = DefaultRotationInterval
	}
	if c.PurgeAfter <= 0 {
		c.PurgeAfter = DefaultPurgeAfter
	}
	if c.TouchCacheSize <= 0 {
		c.TouchCacheSize = DefaultTouchCacheSize
	}
	return c
}
