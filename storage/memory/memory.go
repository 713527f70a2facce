// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/ironguard/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func cloneEnvelope(env *storage.Envelope) *storage.Envelope {
	if env == nil {
		return nil
	}
	return &storage.Envelope{
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      append([]byte(nil), env.Nonce...),
		Ciphertext: append([]byte(nil), env.Ciphertext...),
		Version:    env.Version,
	}
}

func (r *Repository) Put(namespace, recordType, recordID string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(namespace, recordType, recordID, envelope)
}

func (r *Repository) putLocked(namespace, recordType, recordID string, envelope *storage.Envelope) error {
	if _, ok := r.data[namespace]; !ok {
		r.data[namespace] = make(map[string]*storage.Envelope)
	}
	r.data[namespace][makeKey(recordType, recordID)] = cloneEnvelope(envelope)
	return nil
}

func (r *Repository) Get(namespace, recordType, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(namespace, recordType, recordID)
}

func (r *Repository) getLocked(namespace, recordType, recordID string) (*storage.Envelope, error) {
	nsData, ok := r.data[namespace]
	if !ok {
		return nil, storage.ErrNotFound
	}
	env, ok := nsData[makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEnvelope(env), nil
}

func (r *Repository) List(namespace, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(namespace, recordType), nil
}

func (r *Repository) listLocked(namespace, recordType string) []string {
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[namespace] {
		if strings.HasPrefix(k, prefix) {
			ids = append(ids, k[len(prefix):])
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Repository) Delete(namespace, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(namespace, recordType, recordID)
}

func (r *Repository) deleteLocked(namespace, recordType, recordID string) error {
	nsData, ok := r.data[namespace]
	if !ok {
		return storage.ErrNotFound
	}
	k := makeKey(recordType, recordID)
	if _, ok := nsData[k]; !ok {
		return storage.ErrNotFound
	}
	delete(nsData, k)
	return nil
}

func (r *Repository) PutCAS(namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(namespace, recordType, recordID, expectedVersion, envelope)
}

func (r *Repository) putCASLocked(namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	existing, err := r.getLocked(namespace, recordType, recordID)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(namespace, recordType, recordID, envelope)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(namespace, recordType, recordID, envelope)
}

// Batch executes fn while holding the write lock. On error, every write made
// through tx is undone.
func (r *Repository) Batch(fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryBatchTx{repo: r}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type undoRecord struct {
	namespace string
	key       string
	previous  *storage.Envelope // nil when the key did not exist
}

type memoryBatchTx struct {
	repo    *Repository
	undo    []undoRecord
	touched map[string]bool
}

// remember saves the pre-transaction value of a key the first time it is written.
func (tx *memoryBatchTx) remember(namespace, recordType, recordID string) {
	k := makeKey(recordType, recordID)
	id := namespace + "\x00" + k
	if tx.touched == nil {
		tx.touched = make(map[string]bool)
	}
	if tx.touched[id] {
		return
	}
	tx.touched[id] = true
	var prev *storage.Envelope
	if nsData, ok := tx.repo.data[namespace]; ok {
		prev = cloneEnvelope(nsData[k])
	}
	tx.undo = append(tx.undo, undoRecord{namespace: namespace, key: k, previous: prev})
}

func (tx *memoryBatchTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		nsData := tx.repo.data[u.namespace]
		if nsData == nil {
			continue
		}
		if u.previous == nil {
			delete(nsData, u.key)
		} else {
			nsData[u.key] = u.previous
		}
		if len(nsData) == 0 {
			delete(tx.repo.data, u.namespace)
		}
	}
}

func (tx *memoryBatchTx) Get(namespace, recordType, recordID string) (*storage.Envelope, error) {
	return tx.repo.getLocked(namespace, recordType, recordID)
}

func (tx *memoryBatchTx) List(namespace, recordType string) ([]string, error) {
	return tx.repo.listLocked(namespace, recordType), nil
}

func (tx *memoryBatchTx) Put(namespace, recordType, recordID string, envelope *storage.Envelope) error {
	tx.remember(namespace, recordType, recordID)
	return tx.repo.putLocked(namespace, recordType, recordID, envelope)
}

func (tx *memoryBatchTx) PutCAS(namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	tx.remember(namespace, recordType, recordID)
	return tx.repo.putCASLocked(namespace, recordType, recordID, expectedVersion, envelope)
}

func (tx *memoryBatchTx) Delete(namespace, recordType, recordID string) error {
	tx.remember(namespace, recordType, recordID)
	return tx.repo.deleteLocked(namespace, recordType, recordID)
}
