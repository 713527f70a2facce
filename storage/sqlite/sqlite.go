// Package sqlite implements storage.Repository on SQLite using the pure-Go
// modernc.org/sqlite driver.
//
// All records live in one table keyed by (namespace, record_type,
// record_id), mirroring the key space of the BBolt and in-memory backends.
// The pool is limited to one connection, so every Batch is a serialized
// write transaction.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/jmcleod/ironguard/storage"
)

//go:embed schema.sql
var schemaSQL string

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sqlx.DB
}

var _ storage.Repository = (*Store)(nil)

type recordRow struct {
	Ver        int    `db:"ver"`
	Scheme     string `db:"scheme"`
	Nonce      []byte `db:"nonce"`
	Ciphertext []byte `db:"ciphertext"`
	Version    int64  `db:"version"`
}

func (r recordRow) envelope() *storage.Envelope {
	return &storage.Envelope{
		Ver:        r.Ver,
		Scheme:     r.Scheme,
		Nonce:      r.Nonce,
		Ciphertext: r.Ciphertext,
		Version:    uint64(r.Version),
	}
}

// NewRepository wraps an open database handle and ensures the schema exists.
func NewRepository(db *sqlx.DB) (*Store, error) {
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(context.Background(), db); err != nil {
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens (or creates) the SQLite database at path.
func NewRepositoryFromFile(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the records table if it does not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(namespace, recordType, recordID string, envelope *storage.Envelope) error {
	return put(context.Background(), s.db, namespace, recordType, recordID, envelope)
}

func (s *Store) Get(namespace, recordType, recordID string) (*storage.Envelope, error) {
	return get(context.Background(), s.db, namespace, recordType, recordID)
}

func (s *Store) List(namespace, recordType string) ([]string, error) {
	return list(context.Background(), s.db, namespace, recordType)
}

func (s *Store) Delete(namespace, recordType, recordID string) error {
	return del(context.Background(), s.db, namespace, recordType, recordID)
}

func (s *Store) PutCAS(namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.Batch(func(tx storage.BatchTx) error {
		return tx.PutCAS(namespace, recordType, recordID, expectedVersion, envelope)
	})
}

// Batch runs fn inside a database transaction, committing only if fn
// returns nil.
func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&sqliteBatchTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type sqliteBatchTx struct {
	ctx context.Context
	tx  *sqlx.Tx
}

func (b *sqliteBatchTx) Get(namespace, recordType, recordID string) (*storage.Envelope, error) {
	return get(b.ctx, b.tx, namespace, recordType, recordID)
}

func (b *sqliteBatchTx) List(namespace, recordType string) ([]string, error) {
	return list(b.ctx, b.tx, namespace, recordType)
}

func (b *sqliteBatchTx) Put(namespace, recordType, recordID string, envelope *storage.Envelope) error {
	return put(b.ctx, b.tx, namespace, recordType, recordID, envelope)
}

func (b *sqliteBatchTx) Delete(namespace, recordType, recordID string) error {
	return del(b.ctx, b.tx, namespace, recordType, recordID)
}

func (b *sqliteBatchTx) PutCAS(namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	var current int64
	err := b.tx.GetContext(b.ctx, &current,
		`SELECT version FROM records WHERE namespace = ? AND record_type = ? AND record_id = ?`,
		namespace, recordType, recordID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	default:
		if expectedVersion == 0 || uint64(current) != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return put(b.ctx, b.tx, namespace, recordType, recordID, envelope)
}

// ---------------------------------------------------------------------------
// Shared statements for *sqlx.DB and *sqlx.Tx
// ---------------------------------------------------------------------------

func put(ctx context.Context, q sqlx.ExtContext, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO records (namespace, record_type, record_id, ver, scheme, nonce, ciphertext, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, record_type, record_id)
		 DO UPDATE SET ver = excluded.ver, scheme = excluded.scheme, nonce = excluded.nonce,
		               ciphertext = excluded.ciphertext, version = excluded.version`,
		namespace, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext, int64(envelope.Version))
	return err
}

func get(ctx context.Context, q sqlx.ExtContext, namespace, recordType, recordID string) (*storage.Envelope, error) {
	var row recordRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT ver, scheme, nonce, ciphertext, version
		 FROM records WHERE namespace = ? AND record_type = ? AND record_id = ?`,
		namespace, recordType, recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.envelope(), nil
}

func list(ctx context.Context, q sqlx.ExtContext, namespace, recordType string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, q, &ids,
		`SELECT record_id FROM records WHERE namespace = ? AND record_type = ? ORDER BY record_id`,
		namespace, recordType)
	return ids, err
}

func del(ctx context.Context, q sqlx.ExtContext, namespace, recordType, recordID string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM records WHERE namespace = ? AND record_type = ? AND record_id = ?`,
		namespace, recordType, recordID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}
