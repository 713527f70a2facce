// Package audit implements the append-only, hash-chained audit log.
//
// Every entry links to its predecessor through HashChainPrev, and
// HashChainCurr = hex(SHA-256(HashChainPrev + canonical({action, entity,
// entityId, after}))). Entries are appended inside the caller's storage
// transaction so a business mutation and its audit row commit or roll back
// together. A chain head record, advanced with compare-and-swap, prevents
// two concurrent appends from claiming the same predecessor.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/ironguard/internal/uuid"
	"github.com/jmcleod/ironguard/storage"
)

const (
	// Namespace is the storage namespace owned by the audit log.
	Namespace = "__audit"

	entryRecordType = "ENTRY"
	headRecordType  = "HEAD"
	headRecordID    = "chain"
)

// ErrChainConflict is returned when another append advanced the chain head
// first. No state was committed and the operation may be retried.
var ErrChainConflict = errors.New("audit chain head moved concurrently")

type chainHead struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// Log appends to and reads from the audit chain.
type Log struct {
	repo       storage.Repository
	now        func() time.Time
	newID      func() string
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithDispatcher fans committed entries out to external sinks.
func WithDispatcher(d *Dispatcher) Option {
	return func(l *Log) { l.dispatcher = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// NewLog returns a Log stored in repo.
func NewLog(repo storage.Repository, opts ...Option) *Log {
	l := &Log{
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.New,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "audit")
	return l
}

// Repository returns the store backing the log.
func (l *Log) Repository() storage.Repository {
	return l.repo
}

// Tx is a storage transaction that can also append audit entries.
type Tx struct {
	storage.BatchTx
	log      *Log
	appended []*Entry
}

// Append links ev into the chain within the transaction.
func (t *Tx) Append(ev Event) (*Entry, error) {
	e, err := t.log.AppendTx(t.BatchTx, ev)
	if err != nil {
		return nil, err
	}
	t.appended = append(t.appended, e)
	return e, nil
}

// Transact runs fn in a single storage transaction. Entries appended
// through the Tx are dispatched to sinks only after a successful commit.
func (l *Log) Transact(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var committed []*Entry
	err := l.repo.Batch(func(btx storage.BatchTx) error {
		tx := &Tx{BatchTx: btx, log: l}
		if err := fn(tx); err != nil {
			return err
		}
		committed = tx.appended
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrChainConflict) {
			l.logger.Warn("audit append lost chain race; transaction rolled back")
		}
		return err
	}
	for _, e := range committed {
		l.dispatcher.Enqueue(e)
	}
	return nil
}

// Append records ev in its own transaction.
func (l *Log) Append(ctx context.Context, ev Event) (*Entry, error) {
	var entry *Entry
	err := l.Transact(ctx, func(tx *Tx) error {
		var err error
		entry, err = tx.Append(ev)
		return err
	})
	return entry, err
}

// AppendTx reads the chain head, computes the new link, writes the entry and
// advances the head inside tx. It does not dispatch to sinks.
func (l *Log) AppendTx(tx storage.BatchTx, ev Event) (*Entry, error) {
	if ev.Action == "" {
		return nil, errors.New("audit event requires an action")
	}
	head, headVersion, err := readHead(tx)
	if err != nil {
		return nil, err
	}

	before, err := canonicalSnapshot(ev.Before)
	if err != nil {
		return nil, fmt.Errorf("encoding before snapshot: %w", err)
	}
	after, err := canonicalSnapshot(ev.After)
	if err != nil {
		return nil, fmt.Errorf("encoding after snapshot: %w", err)
	}
	if after == nil {
		after = []byte("null")
	}

	entry := &Entry{
		Seq:           head.Seq + 1,
		ID:            l.newID(),
		CreatedAt:     l.now(),
		ActorID:       ev.ActorID,
		Action:        ev.Action,
		Entity:        ev.Entity,
		EntityID:      ev.EntityID,
		Before:        before,
		After:         after,
		ClientAddress: ev.Client.Address,
		ClientAgent:   ev.Client.Agent,
		HashChainPrev: head.Hash,
	}
	entry.HashChainCurr, err = Digest(entry.HashChainPrev, entry.Action, entry.Entity, entry.EntityID, entry.After)
	if err != nil {
		return nil, err
	}

	entryEnv, err := storage.PlainRecord(entry, 1)
	if err != nil {
		return nil, err
	}
	if err := tx.PutCAS(Namespace, entryRecordType, seqKey(entry.Seq), 0, entryEnv); err != nil {
		return nil, casError(err)
	}

	headEnv, err := storage.PlainRecord(chainHead{Seq: entry.Seq, Hash: entry.HashChainCurr}, headVersion+1)
	if err != nil {
		return nil, err
	}
	if err := tx.PutCAS(Namespace, headRecordType, headRecordID, headVersion, headEnv); err != nil {
		return nil, casError(err)
	}
	return entry, nil
}

func casError(err error) error {
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("%w: %v", ErrChainConflict, err)
	}
	return err
}

type reader interface {
	Get(namespace, recordType, recordID string) (*storage.Envelope, error)
	List(namespace, recordType string) ([]string, error)
}

func readHead(r reader) (chainHead, uint64, error) {
	var head chainHead
	env, err := r.Get(Namespace, headRecordType, headRecordID)
	if isMissing(err) {
		return head, 0, nil
	}
	if err != nil {
		return head, 0, fmt.Errorf("reading chain head: %w", err)
	}
	if err := storage.DecodePlain(env, &head); err != nil {
		return head, 0, fmt.Errorf("reading chain head: %w", err)
	}
	return head, env.Version, nil
}

func isMissing(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound)
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func loadEntry(r reader, id string) (*Entry, error) {
	env, err := r.Get(Namespace, entryRecordType, id)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := storage.DecodePlain(env, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Get returns the entry with the given sequence number.
func (l *Log) Get(ctx context.Context, seq uint64) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return loadEntry(l.repo, seqKey(seq))
}

// Head returns the sequence number and digest of the newest entry.
func (l *Log) Head(ctx context.Context) (uint64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	head, _, err := readHead(l.repo)
	return head.Seq, head.Hash, err
}

// List returns entries newest first, skipping offset and returning at most
// limit, together with the total number of entries.
func (l *Log) List(ctx context.Context, offset, limit int) ([]*Entry, int, error) {
	ids, err := l.repo.List(Namespace, entryRecordType)
	if isMissing(err) {
		return []*Entry{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	total := len(ids)
	entries := make([]*Entry, 0, limit)
	for i := total - 1 - offset; i >= 0 && len(entries) < limit; i-- {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		e, err := loadEntry(l.repo, ids[i])
		if err != nil {
			return nil, 0, fmt.Errorf("loading audit entry %s: %w", ids[i], err)
		}
		entries = append(entries, e)
	}
	return entries, total, nil
}
