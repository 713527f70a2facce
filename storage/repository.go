// Package storage provides the transactional record store shared by the
// session manager, the user directory, the audit log and business records.
//
// Records are addressed by (namespace, recordType, recordID). Each owning
// component writes only to its own namespace.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when a namespace has never been written.
	ErrNamespaceNotFound = errors.New("namespace not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx is the view of the store inside an atomic transaction. Writes
// become visible to other callers only if the enclosing Batch returns nil.
type BatchTx interface {
	Get(namespace, recordType, recordID string) (*Envelope, error)
	List(namespace, recordType string) ([]string, error)
	Put(namespace, recordType, recordID string, envelope *Envelope) error
	PutCAS(namespace, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(namespace, recordType, recordID string) error
}

// Repository defines the interface for record storage.
//
// List returns record IDs in ascending byte order. PutCAS with
// expectedVersion 0 requires that the record does not exist yet.
// Batch runs fn in a single serializable transaction and rolls back every
// write if fn returns an error.
type Repository interface {
	Put(namespace, recordType, recordID string, envelope *Envelope) error
	Get(namespace, recordType, recordID string) (*Envelope, error)
	List(namespace, recordType string) ([]string, error)
	Delete(namespace, recordType, recordID string) error
	PutCAS(namespace, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Batch(fn func(tx BatchTx) error) error
}
