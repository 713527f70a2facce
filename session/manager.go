package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jmcleod/ironguard/audit"
	"github.com/jmcleod/ironguard/csrf"
	"github.com/jmcleod/ironguard/internal/util"
	"github.com/jmcleod/ironguard/storage"
)

// Manager owns the session namespace. It writes login, logout and rotation
// entries to the audit log in the same transaction as the session change,
// and keeps the CSRF store in step with session lifecycle.
type Manager struct {
	log    *audit.Log
	repo   storage.Repository
	csrf   *csrf.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	// touches records the last persisted expiry extension per token hash.
	// Bounded: an evicted hash costs one extra write on its next request.
	touchMu sync.Mutex
	touches *lru.Cache[string, time.Time]
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns a Manager that stores sessions in the audit log's
// repository.
func NewManager(log *audit.Log, csrfStore *csrf.Store, cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	touches, err := lru.New[string, time.Time](cfg.TouchCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating touch cache: %w", err)
	}
	m := &Manager{
		log:     log,
		repo:    log.Repository(),
		csrf:    csrfStore,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
		touches: touches,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m, nil
}

// Config returns the effective policy.
func (m *Manager) Config() Config {
	return m.cfg
}

// HashToken returns the storage key for a raw token.
func HashToken(raw string) string {
	return util.SHA256Hex(raw)
}

func newToken() (raw, hash string, err error) {
	raw, err = util.RandomToken(tokenBytes)
	if err != nil {
		return "", "", fmt.Errorf("generating session token: %w", err)
	}
	return raw, HashToken(raw), nil
}

// Create persists a new session for userID and records action (for example
// audit.ActionLoginSuccess) in the same transaction.
func (m *Manager) Create(ctx context.Context, userID string, client audit.Client, action string) (*Issued, error) {
	raw, hash, err := newToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	sess := &Session{
		TokenHash:     hash,
		UserID:        userID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.TTL),
		ClientAddress: client.Address,
		ClientAgent:   client.Agent,
	}

	err = m.log.Transact(ctx, func(tx *audit.Tx) error {
		if err := putSession(tx, sess); err != nil {
			return err
		}
		_, err := tx.Append(audit.Event{
			ActorID:  userID,
			Action:   action,
			Entity:   audit.EntitySession,
			EntityID: hash,
			After:    sess.snapshot(),
			Client:   client,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return m.issue(raw, sess)
}

func (m *Manager) issue(raw string, sess *Session) (*Issued, error) {
	secret, err := m.csrf.Ensure(sess.TokenHash)
	if err != nil {
		return nil, err
	}
	m.markTouched(sess.TokenHash, sess.CreatedAt)
	return &Issued{
		RawToken:   raw,
		TokenHash:  sess.TokenHash,
		ExpiresAt:  sess.ExpiresAt,
		CSRFSecret: secret,
		Session:    sess,
	}, nil
}

// Resolve returns the live session for raw, sliding or rotating it as the
// policy requires. It returns ErrSessionInvalid for unknown, expired or
// revoked tokens, and ErrSessionRotated when rotation revoked the token.
func (m *Manager) Resolve(ctx context.Context, raw string, client audit.Client) (*Resolution, error) {
	if raw == "" {
		return nil, ErrSessionInvalid
	}
	hash := HashToken(raw)
	now := m.now()

	sess, err := getSession(m.repo, hash)
	if err != nil {
		if isMissing(err) {
			return nil, ErrSessionInvalid
		}
		return nil, err
	}
	if !sess.Valid(now) {
		m.forget(hash)
		return nil, sess.invalidErr()
	}

	if m.cfg.RotationEnabled && now.Sub(sess.CreatedAt) >= m.cfg.RotationInterval {
		previous, _ := m.csrf.Get(hash)
		issued, err := m.rotate(ctx, sess, client)
		if err != nil {
			return nil, err
		}
		return &Resolution{
			Session:            issued.Session,
			Rotated:            issued,
			CSRFSecret:         issued.CSRFSecret,
			CSRFIssued:         true,
			PreviousCSRFSecret: previous,
		}, nil
	}

	if m.shouldTouch(hash, now) {
		if err := m.slide(hash, now); err != nil {
			if errors.Is(err, ErrSessionInvalid) {
				return nil, err
			}
			m.releaseTouch(hash, now)
			m.logger.Warn("session expiry extension failed", "error", err)
		} else {
			sess.ExpiresAt = now.Add(m.cfg.TTL)
		}
	}

	_, existed := m.csrf.Get(hash)
	secret, err := m.csrf.Ensure(hash)
	if err != nil {
		return nil, err
	}
	return &Resolution{Session: sess, CSRFSecret: secret, CSRFIssued: !existed}, nil
}

// shouldTouch reports whether the expiry extension is due, claiming the
// interval for the caller when it is.
func (m *Manager) shouldTouch(hash string, now time.Time) bool {
	m.touchMu.Lock()
	defer m.touchMu.Unlock()
	if last, ok := m.touches.Get(hash); ok && now.Sub(last) < m.cfg.TouchInterval {
		return false
	}
	m.touches.Add(hash, now)
	return true
}

// releaseTouch undoes the claim made by shouldTouch at now so the next
// request retries the extension.
func (m *Manager) releaseTouch(hash string, at time.Time) {
	m.touchMu.Lock()
	defer m.touchMu.Unlock()
	if last, ok := m.touches.Peek(hash); ok && last.Equal(at) {
		m.touches.Remove(hash)
	}
}

func (m *Manager) markTouched(hash string, at time.Time) {
	m.touchMu.Lock()
	defer m.touchMu.Unlock()
	m.touches.Add(hash, at)
}

func (m *Manager) forget(hash string) {
	m.touchMu.Lock()
	m.touches.Remove(hash)
	m.touchMu.Unlock()
	m.csrf.Delete(hash)
}

func (m *Manager) slide(hash string, now time.Time) error {
	return m.repo.Batch(func(tx storage.BatchTx) error {
		sess, err := getSession(tx, hash)
		if err != nil {
			if isMissing(err) {
				return ErrSessionInvalid
			}
			return err
		}
		if !sess.Valid(now) {
			return ErrSessionInvalid
		}
		sess.ExpiresAt = now.Add(m.cfg.TTL)
		return putSession(tx, sess)
	})
}

func (m *Manager) rotate(ctx context.Context, old *Session, client audit.Client) (*Issued, error) {
	raw, hash, err := newToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	next := &Session{
		TokenHash:     hash,
		UserID:        old.UserID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.TTL),
		ClientAddress: client.Address,
		ClientAgent:   client.Agent,
		RotatedFrom:   old.TokenHash,
	}

	err = m.log.Transact(ctx, func(tx *audit.Tx) error {
		current, err := getSession(tx, old.TokenHash)
		if err != nil {
			if isMissing(err) {
				return ErrSessionInvalid
			}
			return err
		}
		// A concurrent request already rotated or revoked it.
		if !current.Valid(now) {
			return current.invalidErr()
		}
		current.RevokedAt = &now
		current.RotatedTo = hash
		if err := putSession(tx, current); err != nil {
			return err
		}
		if err := putSession(tx, next); err != nil {
			return err
		}
		_, err = tx.Append(audit.Event{
			ActorID:  old.UserID,
			Action:   audit.ActionSessionRotate,
			Entity:   audit.EntitySession,
			EntityID: hash,
			Before:   current.snapshot(),
			After:    next.snapshot(),
			Client:   client,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.forget(old.TokenHash)
	m.logger.Info("session rotated", "user_id", old.UserID)
	return m.issue(raw, next)
}

// Revoke ends the session for raw and drops its CSRF secret. Unknown or
// already revoked tokens succeed without writing anything.
func (m *Manager) Revoke(ctx context.Context, raw string, client audit.Client) error {
	if raw == "" {
		return nil
	}
	hash := HashToken(raw)
	now := m.now()

	err := m.log.Transact(ctx, func(tx *audit.Tx) error {
		sess, err := getSession(tx, hash)
		if err != nil {
			if isMissing(err) {
				return nil
			}
			return err
		}
		if sess.RevokedAt != nil {
			return nil
		}
		before := sess.snapshot()
		sess.RevokedAt = &now
		if err := putSession(tx, sess); err != nil {
			return err
		}
		_, err = tx.Append(audit.Event{
			ActorID:  sess.UserID,
			Action:   audit.ActionLogout,
			Entity:   audit.EntitySession,
			EntityID: hash,
			Before:   before,
			After:    sess.snapshot(),
			Client:   client,
		})
		return err
	})
	if err != nil {
		return err
	}
	m.forget(hash)
	return nil
}

// Get returns the stored session for a token hash regardless of validity.
func (m *Manager) Get(tokenHash string) (*Session, error) {
	sess, err := getSession(m.repo, tokenHash)
	if isMissing(err) {
		return nil, ErrSessionInvalid
	}
	return sess, err
}

// PurgeExpired deletes sessions that expired or were revoked more than
// PurgeAfter ago and returns how many were removed.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	hashes, err := m.repo.List(Namespace, recordType)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-m.cfg.PurgeAfter)
	removed := 0
	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sess, err := getSession(m.repo, hash)
		if err != nil {
			continue
		}
		stale := sess.ExpiresAt.Before(cutoff) || (sess.RevokedAt != nil && sess.RevokedAt.Before(cutoff))
		if !stale {
			continue
		}
		if err := m.repo.Delete(Namespace, recordType, hash); err != nil && !isMissing(err) {
			return removed, err
		}
		m.forget(hash)
		removed++
	}
	return removed, nil
}

// Run purges stale sessions periodically until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.PurgeExpired(ctx)
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("session purge failed", "error", err)
			} else if n > 0 {
				m.logger.Debug("purged stale sessions", "count", n)
			}
		}
	}
}

type reader interface {
	Get(namespace, recordType, recordID string) (*storage.Envelope, error)
}

type writer interface {
	Put(namespace, recordType, recordID string, envelope *storage.Envelope) error
}

func getSession(r reader, hash string) (*Session, error) {
	env, err := r.Get(Namespace, recordType, hash)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := storage.DecodePlain(env, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func putSession(w writer, sess *Session) error {
	env, err := storage.PlainRecord(sess, 1)
	if err != nil {
		return err
	}
	return w.Put(Namespace, recordType, sess.TokenHash, env)
}

func isMissing(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound)
}
