package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironguard/storage"
	"github.com/jmcleod/ironguard/storage/memory"
)

func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestLog(t *testing.T, opts ...Option) (*Log, storage.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	opts = append([]Option{WithClock(stepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))}, opts...)
	return NewLog(repo, opts...), repo
}

func ticketEvent(id, title string) Event {
	return Event{
		ActorID:  "user-1",
		Action:   ActionTicketCreate,
		Entity:   EntityTicket,
		EntityID: id,
		After:    TicketSnapshot{Title: title, Status: "open"},
		Client:   Client{Address: "10.0.0.1", Agent: "test"},
	}
}

func TestCanonical_SortsKeysAtEveryLevel(t *testing.T) {
	out, err := Canonical(map[string]any{
		"b": 1,
		"a": map[string]any{"d": 2.5, "c": []any{"x", 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":["x",3],"d":2.5},"b":1}`, string(out))
}

func TestDigest_MatchesDocumentedFormula(t *testing.T) {
	after, err := Canonical(TicketSnapshot{Title: "T", Status: "open"})
	require.NoError(t, err)

	got, err := Digest("abc", ActionTicketCreate, EntityTicket, "t1", after)
	require.NoError(t, err)

	payload := `{"action":"ticket.create","after":{"status":"open","title":"T"},"entity":"ticket","entityId":"t1"}`
	sum := sha256.Sum256([]byte("abc" + payload))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestDigest_DependsOnExactAfterBytes(t *testing.T) {
	sorted, err := Canonical(map[string]int{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.True(t, IsCanonical(sorted))

	a, err := Digest("", "x", "y", "z", sorted)
	require.NoError(t, err)
	b, err := Digest("", "x", "y", "z", []byte(`{ "a": 2, "b": 1 }`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "only the canonical encoding reproduces a stored digest")
	assert.False(t, IsCanonical([]byte(`{ "a": 2, "b": 1 }`)))
}

func TestAppend_LinksSequentialEntries(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	first, err := log.Append(ctx, ticketEvent("t1", "Printer jam"))
	require.NoError(t, err)
	second, err := log.Append(ctx, ticketEvent("t2", "VPN down"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Empty(t, first.HashChainPrev)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, first.HashChainCurr, second.HashChainPrev)

	want, err := Digest(second.HashChainPrev, second.Action, second.Entity, second.EntityID, second.After)
	require.NoError(t, err)
	assert.Equal(t, want, second.HashChainCurr)

	seq, hash, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, second.HashChainCurr, hash)

	stored, err := log.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, second.ID, stored.ID)
	assert.Equal(t, "10.0.0.1", stored.ClientAddress)
}

func TestAppend_RequiresAction(t *testing.T) {
	log, _ := newTestLog(t)
	_, err := log.Append(context.Background(), Event{Entity: EntityTicket})
	assert.Error(t, err)
}

func TestTransact_RollbackDiscardsMutationAndEntry(t *testing.T) {
	log, repo := newTestLog(t)
	ctx := context.Background()
	boom := errors.New("handler failed")

	err := log.Transact(ctx, func(tx *Tx) error {
		env, err := storage.PlainRecord(map[string]string{"title": "x"}, 1)
		require.NoError(t, err)
		require.NoError(t, tx.Put("__tickets", "TICKET", "t1", env))
		_, err = tx.Append(ticketEvent("t1", "x"))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.Get("__tickets", "TICKET", "t1")
	assert.Error(t, err)
	seq, _, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
}

// staleHeadTx replays a previously read chain head, as a writer that lost
// a race would see it.
type staleHeadTx struct {
	storage.BatchTx
	head *storage.Envelope
}

func (s staleHeadTx) Get(namespace, recordType, recordID string) (*storage.Envelope, error) {
	if namespace == Namespace && recordType == headRecordType {
		return s.head, nil
	}
	return s.BatchTx.Get(namespace, recordType, recordID)
}

func TestAppendTx_StaleHeadReturnsChainConflict(t *testing.T) {
	log, repo := newTestLog(t)
	ctx := context.Background()

	_, err := log.Append(ctx, ticketEvent("t1", "a"))
	require.NoError(t, err)
	stale, err := repo.Get(Namespace, headRecordType, headRecordID)
	require.NoError(t, err)
	_, err = log.Append(ctx, ticketEvent("t2", "b"))
	require.NoError(t, err)

	err = repo.Batch(func(tx storage.BatchTx) error {
		_, err := log.AppendTx(staleHeadTx{BatchTx: tx, head: stale}, ticketEvent("t3", "c"))
		return err
	})
	require.ErrorIs(t, err, ErrChainConflict)

	seq, _, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	report, err := log.Verify(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestAppend_ConcurrentAppendsNeverFork(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := log.Append(ctx, ticketEvent(fmt.Sprintf("t-%d-%d", w, i), "load"))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	entries, total, err := log.List(ctx, 0, writers*perWriter)
	require.NoError(t, err)
	require.Equal(t, writers*perWriter, total)

	prevs := make(map[string]uint64, total)
	for _, e := range entries {
		if other, dup := prevs[e.HashChainPrev]; dup {
			t.Fatalf("entries %d and %d share hash_chain_prev %q", other, e.Seq, e.HashChainPrev)
		}
		prevs[e.HashChainPrev] = e.Seq
	}

	report, err := log.Verify(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid, "violations: %v", report.Violations)
	assert.Equal(t, writers*perWriter, report.Checked)
}

func TestList_NewestFirstWithPaging(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	entries, total, err := log.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, entries)

	for i := 1; i <= 5; i++ {
		_, err := log.Append(ctx, ticketEvent(fmt.Sprintf("t%d", i), "x"))
		require.NoError(t, err)
	}

	entries, total, err = log.List(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(4), entries[0].Seq)
	assert.Equal(t, uint64(3), entries[1].Seq)

	entries, _, err = log.List(ctx, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
