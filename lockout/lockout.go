// Package lockout tracks failed logins per (username, client address) and
// enforces a temporary lock once a threshold is reached within a window.
package lockout

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/ironguard/internal/util"
)

const (
	DefaultThreshold    = 5
	DefaultWindow       = 10 * time.Minute
	DefaultLockDuration = 15 * time.Minute
)

// Config holds the lockout policy.
type Config struct {
	Threshold    int
	Window       time.Duration
	LockDuration time.Duration
}

// DefaultConfig returns the default policy: 5 failures within 10 minutes
// lock for 15 minutes.
func DefaultConfig() Config {
	return Config{
		Threshold:    DefaultThreshold,
		Window:       DefaultWindow,
		LockDuration: DefaultLockDuration,
	}
}

// LockedError is returned while a key is locked.
type LockedError struct {
	Until      time.Time
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked; retry after %s", e.RetryAfter.Round(time.Second))
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (e *LockedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RetryAfterHeader formats RetryAfter for the Retry-After header.
func (e *LockedError) RetryAfterHeader() string {
	return strconv.Itoa(e.RetryAfterSeconds())
}

type record struct {
	failures    int
	windowStart time.Time
	lockUntil   time.Time
}

func (r *record) lockedAt(now time.Time) bool {
	return !r.lockUntil.IsZero() && now.Before(r.lockUntil)
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record
	cfg     Config
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New returns a Tracker. Zero fields in cfg take their defaults.
func New(cfg Config, opts ...Option) *Tracker {
	if cfg.Threshold < 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultLockDuration
	}
	t := &Tracker{
		records: make(map[string]*record),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Key builds the composite record key. The username is used verbatim after
// normalization, whether or not such a user exists.
func Key(username, addr string) string {
	return util.NormalizeIdentifier(username) + "|" + addr
}

// RecordFailure counts a failed attempt. It returns a *LockedError when the
// key is locked after this failure.
func (t *Tracker) RecordFailure(username, addr string) error {
	key := Key(username, addr)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	switch {
	case ok && rec.lockedAt(now):
		rec.failures++
	case !ok || now.Sub(rec.windowStart) > t.cfg.Window || !rec.lockUntil.IsZero():
		rec = &record{failures: 1, windowStart: now}
		t.records[key] = rec
	default:
		rec.failures++
	}

	if rec.lockUntil.IsZero() && rec.failures >= t.cfg.Threshold {
		rec.lockUntil = now.Add(t.cfg.LockDuration)
	}
	if rec.lockedAt(now) {
		return &LockedError{Until: rec.lockUntil, RetryAfter: rec.lockUntil.Sub(now)}
	}
	return nil
}

// Locked reports whether the key is locked and for how long. A record whose
// lock has expired is removed.
func (t *Tracker) Locked(username, addr string) (bool, time.Duration) {
	key := Key(username, addr)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok || rec.lockUntil.IsZero() {
		return false, 0
	}
	if !rec.lockedAt(now) {
		delete(t.records, key)
		return false, 0
	}
	return true, rec.lockUntil.Sub(now)
}

// Check returns a *LockedError if the key is locked.
func (t *Tracker) Check(username, addr string) error {
	locked, retryAfter := t.Locked(username, addr)
	if !locked {
		return nil
	}
	return &LockedError{Until: t.now().Add(retryAfter), RetryAfter: retryAfter}
}

// Clear removes the record for the key.
func (t *Tracker) Clear(username, addr string) {
	key := Key(username, addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, key)
}

// Sweep removes records whose lock has passed or whose window expired
// without a lock. It returns the number of records removed.
func (t *Tracker) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, rec := range t.records {
		expired := rec.lockUntil.IsZero() && now.Sub(rec.windowStart) > t.cfg.Window
		unlocked := !rec.lockUntil.IsZero() && !rec.lockedAt(now)
		if expired || unlocked {
			delete(t.records, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
