// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ironguard/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database. Each
// namespace is a top-level bucket; keys are "recordType:recordID".
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(recordType, recordID string) []byte {
	return []byte(recordType + ":" + recordID)
}

func (s *Store) Put(namespace, recordType, recordID string, envelope *storage.Envelope) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return (&boltBatchTx{tx: tx}).Put(namespace, recordType, recordID, envelope)
	})
}

func (s *Store) Get(namespace, recordType, recordID string) (*storage.Envelope, error) {
	var env *storage.Envelope
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		env, err = (&boltBatchTx{tx: tx}).Get(namespace, recordType, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (s *Store) Delete(namespace, recordType, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return (&boltBatchTx{tx: tx}).Delete(namespace, recordType, recordID)
	})
}

func (s *Store) List(namespace, recordType string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		ids, err = (&boltBatchTx{tx: tx}).List(namespace, recordType)
		return err
	})
	return ids, err
}

func (s *Store) PutCAS(namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return (&boltBatchTx{tx: tx}).PutCAS(namespace, recordType, recordID, expectedVersion, envelope)
	})
}

// Batch runs fn inside a single read-write bbolt transaction. bbolt allows
// one writer at a time, so batches are serialized.
func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{tx: tx})
	})
}

type boltBatchTx struct {
	tx *bbolt.Tx
}

func (b *boltBatchTx) bucket(namespace string) (*bbolt.Bucket, error) {
	return b.tx.CreateBucketIfNotExists([]byte(namespace))
}

func (b *boltBatchTx) Get(namespace, recordType, recordID string) (*storage.Envelope, error) {
	bucket := b.tx.Bucket([]byte(namespace))
	if bucket == nil {
		return nil, fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	data := bucket.Get(recordKey(recordType, recordID))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	var envelope storage.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

func (b *boltBatchTx) List(namespace, recordType string) ([]string, error) {
	bucket := b.tx.Bucket([]byte(namespace))
	if bucket == nil {
		return nil, nil
	}
	var ids []string
	prefix := []byte(recordType + ":")
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids, nil
}

func (b *boltBatchTx) Put(namespace, recordType, recordID string, envelope *storage.Envelope) error {
	bucket, err := b.bucket(namespace)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return bucket.Put(recordKey(recordType, recordID), data)
}

func (b *boltBatchTx) PutCAS(namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	bucket, err := b.bucket(namespace)
	if err != nil {
		return err
	}
	key := recordKey(recordType, recordID)
	existingData := bucket.Get(key)

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Envelope
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return bucket.Put(key, data)
}

func (b *boltBatchTx) Delete(namespace, recordType, recordID string) error {
	bucket := b.tx.Bucket([]byte(namespace))
	if bucket == nil {
		return fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	key := recordKey(recordType, recordID)
	if bucket.Get(key) == nil {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return bucket.Delete(key)
}
