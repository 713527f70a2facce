package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironguard/audit"
	"github.com/jmcleod/ironguard/storage"
	"github.com/jmcleod/ironguard/storage/memory"
)

var client = audit.Client{Address: "192.0.2.10", Agent: "test"}

func newTestStore(t *testing.T) (*Store, *audit.Log) {
	t.Helper()
	log := audit.NewLog(memory.NewRepository())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return NewStore(log, func() time.Time { return now }), log
}

func TestCreate_WritesTicketAndAuditEntry(t *testing.T) {
	s, log := newTestStore(t)
	ctx := context.Background()

	tk, err := s.Create(ctx, NewTicket{Title: "VPN down", Department: " IT "}, "user-1", client)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, tk.Status)
	assert.Equal(t, "IT", tk.Department)

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.Title, got.Title)

	entries, total, err := log.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, audit.ActionTicketCreate, entries[0].Action)
	assert.Equal(t, tk.ID, entries[0].EntityID)
	assert.Equal(t, "user-1", entries[0].ActorID)
}

func TestCreate_Validation(t *testing.T) {
	s, log := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, NewTicket{Title: "   "}, "user-1", client)
	assert.ErrorIs(t, err, ErrInvalidTicket)

	seq, _, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestSequentialCreates_AreChained(t *testing.T) {
	s, log := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, NewTicket{Title: "first"}, "user-1", client)
	require.NoError(t, err)
	_, err = s.Create(ctx, NewTicket{Title: "second"}, "user-1", client)
	require.NoError(t, err)

	first, err := log.Get(ctx, 1)
	require.NoError(t, err)
	second, err := log.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, first.HashChainCurr, second.HashChainPrev)
}

func TestUpdateStatus(t *testing.T) {
	s, log := newTestStore(t)
	ctx := context.Background()

	tk, err := s.Create(ctx, NewTicket{Title: "printer"}, "user-1", client)
	require.NoError(t, err)

	updated, err := s.UpdateStatus(ctx, tk.ID, StatusResolved, "user-2", client)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, updated.Status)

	entry, err := log.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, audit.ActionTicketUpdate, entry.Action)

	var before, after audit.TicketSnapshot
	require.NoError(t, json.Unmarshal(entry.Before, &before))
	require.NoError(t, json.Unmarshal(entry.After, &after))
	assert.Equal(t, StatusOpen, before.Status)
	assert.Equal(t, StatusResolved, after.Status)

	// Same status again writes nothing.
	_, err = s.UpdateStatus(ctx, tk.ID, StatusResolved, "user-2", client)
	require.NoError(t, err)
	seq, _, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestUpdateStatus_Errors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpdateStatus(ctx, "missing", StatusClosed, "user-1", client)
	assert.ErrorIs(t, err, ErrNotFound)

	tk, err := s.Create(ctx, NewTicket{Title: "x"}, "user-1", client)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, tk.ID, "archived", "user-1", client)
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

func TestGet_MalformedAndUnknownIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../etc", "TICKET:1", "6f1c1b3e-0000-4000-8000-000000000000"} {
		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, "id %q", id)
	}
}

func TestFailedAudit_RollsBackTicket(t *testing.T) {
	repo := memory.NewRepository()
	log := audit.NewLog(repo)
	s := NewStore(log, nil)
	ctx := context.Background()

	// Plant an unreadable chain head so the append inside Create fails.
	require.NoError(t, repo.Put(audit.Namespace, "HEAD", "chain", &storage.Envelope{Ver: 1, Scheme: "bogus"}))

	_, err := s.Create(ctx, NewTicket{Title: "orphan"}, "user-1", client)
	require.Error(t, err)

	ids, err := repo.List(Namespace, recordType)
	if err != nil {
		assert.True(t, errors.Is(err, storage.ErrNamespaceNotFound))
	}
	assert.Empty(t, ids)
}
