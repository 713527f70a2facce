// Package tickets stores helpdesk tickets. Every mutation is written in the
// same storage transaction as its audit entry, so a ticket change and its
// hash-chain record commit or roll back together.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jmcleod/ironguard/audit"
	"github.com/jmcleod/ironguard/internal/uuid"
	"github.com/jmcleod/ironguard/storage"
)

const (
	// Namespace is the storage namespace owned by the ticket store.
	Namespace  = "__tickets"
	recordType = "TICKET"

	maxTitleLen       = 200
	maxDescriptionLen = 10000
)

// Ticket statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"
)

var statuses = []string{StatusOpen, StatusInProgress, StatusResolved, StatusClosed}

var (
	ErrNotFound      = errors.New("ticket not found")
	ErrInvalidTicket = errors.New("invalid ticket")
)

type Ticket struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Department  string    `json:"department,omitempty"`
	Status      string    `json:"status"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (t *Ticket) snapshot() audit.TicketSnapshot {
	return audit.TicketSnapshot{
		Title:       t.Title,
		Description: t.Description,
		Department:  t.Department,
		Status:      t.Status,
	}
}

// NewTicket is the input to Create.
type NewTicket struct {
	Title       string
	Description string
	Department  string
}

type Store struct {
	log  *audit.Log
	repo storage.Repository
	now  func() time.Time
}

// NewStore returns a Store writing to the audit log's repository.
func NewStore(log *audit.Log, now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{log: log, repo: log.Repository(), now: now}
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s string) bool {
	return slices.Contains(statuses, s)
}

// Create opens a ticket and records ticket.create.
func (s *Store) Create(ctx context.Context, nt NewTicket, actorID string, client audit.Client) (*Ticket, error) {
	title := strings.TrimSpace(nt.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidTicket)
	}
	if len(title) > maxTitleLen {
		return nil, fmt.Errorf("%w: title exceeds %d bytes", ErrInvalidTicket, maxTitleLen)
	}
	if len(nt.Description) > maxDescriptionLen {
		return nil, fmt.Errorf("%w: description exceeds %d bytes", ErrInvalidTicket, maxDescriptionLen)
	}

	now := s.now()
	t := &Ticket{
		ID:          uuid.New(),
		Title:       title,
		Description: nt.Description,
		Department:  strings.TrimSpace(nt.Department),
		Status:      StatusOpen,
		CreatedBy:   actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.log.Transact(ctx, func(tx *audit.Tx) error {
		if err := putTicket(tx, t, 0); err != nil {
			return err
		}
		_, err := tx.Append(audit.Event{
			ActorID:  actorID,
			Action:   audit.ActionTicketCreate,
			Entity:   audit.EntityTicket,
			EntityID: t.ID,
			After:    t.snapshot(),
			Client:   client,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns the ticket with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, _, err := getTicket(s.repo, id)
	return t, err
}

// UpdateStatus changes a ticket's status and records ticket.update with
// before and after snapshots. Setting the current status is a no-op.
func (s *Store) UpdateStatus(ctx context.Context, id, status, actorID string, client audit.Client) (*Ticket, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTicket, status)
	}
	var updated *Ticket
	err := s.log.Transact(ctx, func(tx *audit.Tx) error {
		t, version, err := getTicket(tx, id)
		if err != nil {
			return err
		}
		if t.Status == status {
			updated = t
			return nil
		}
		before := t.snapshot()
		t.Status = status
		t.UpdatedAt = s.now()
		if err := putTicket(tx, t, version); err != nil {
			return err
		}
		_, err = tx.Append(audit.Event{
			ActorID:  actorID,
			Action:   audit.ActionTicketUpdate,
			Entity:   audit.EntityTicket,
			EntityID: t.ID,
			Before:   before,
			After:    t.snapshot(),
			Client:   client,
		})
		updated = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type reader interface {
	Get(namespace, recordType, recordID string) (*storage.Envelope, error)
}

// getTicket treats an ID that is not a UUID as absent without a lookup.
func getTicket(r reader, id string) (*Ticket, uint64, error) {
	if !uuid.Valid(id) {
		return nil, 0, ErrNotFound
	}
	env, err := r.Get(Namespace, recordType, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	var t Ticket
	if err := storage.DecodePlain(env, &t); err != nil {
		return nil, 0, err
	}
	return &t, env.Version, nil
}

// putTicket writes t with optimistic concurrency; version 0 creates.
func putTicket(tx storage.BatchTx, t *Ticket, version uint64) error {
	env, err := storage.PlainRecord(t, version+1)
	if err != nil {
		return err
	}
	return tx.PutCAS(Namespace, recordType, t.ID, version, env)
}
