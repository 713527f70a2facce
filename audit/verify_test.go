package audit

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironguard/storage"
)

func seedChain(t *testing.T, log *Log, titles ...string) []*Entry {
	t.Helper()
	entries := make([]*Entry, 0, len(titles))
	for i, title := range titles {
		e, err := log.Append(context.Background(), ticketEvent(string(rune('a'+i)), title))
		require.NoError(t, err)
		entries = append(entries, e)
	}
	return entries
}

func rewriteEntry(t *testing.T, repo storage.Repository, seq uint64, mutate func(e *Entry)) {
	t.Helper()
	env, err := repo.Get(Namespace, entryRecordType, seqKey(seq))
	require.NoError(t, err)
	var e Entry
	require.NoError(t, storage.DecodePlain(env, &e))
	mutate(&e)
	updated, err := storage.PlainRecord(&e, env.Version)
	require.NoError(t, err)
	require.NoError(t, repo.Put(Namespace, entryRecordType, seqKey(seq), updated))
}

func TestVerify_EmptyChainIsValid(t *testing.T) {
	log, _ := newTestLog(t)
	report, err := log.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Zero(t, report.Checked)
}

func TestVerify_FreshChainIsValid(t *testing.T) {
	log, _ := newTestLog(t)
	seedChain(t, log, "Printer jam", "VPN down", "Laptop request")

	report, err := log.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, uint64(3), report.HeadSeq)
	assert.Empty(t, report.Violations)
}

func TestVerify_SingleByteFlipInAfterFailsAtThatEntry(t *testing.T) {
	log, repo := newTestLog(t)
	entries := seedChain(t, log, "Printer jam", "VPN down", "Laptop request")

	rewriteEntry(t, repo, 2, func(e *Entry) {
		e.After = bytes.Replace(e.After, []byte("VPN"), []byte("VPM"), 1)
	})

	report, err := log.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Violations)
	first := report.Violations[0]
	assert.Equal(t, entries[1].ID, first.EntryID)
	assert.Equal(t, uint64(2), first.Seq)
	assert.Equal(t, ViolationDigestMismatch, first.Kind)
	assert.Contains(t, first.Error(), entries[1].ID)
}

func TestVerify_EscapeCaseFlipInAfterFails(t *testing.T) {
	log, repo := newTestLog(t)
	entries := seedChain(t, log, "a<b", "VPN down")
	require.Contains(t, string(entries[0].After), `a\u003cb`)

	// Same decoded value, one byte different.
	rewriteEntry(t, repo, 1, func(e *Entry) {
		e.After = bytes.Replace(e.After, []byte(`\u003c`), []byte(`\u003C`), 1)
	})

	report, err := log.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Violations)
	assert.Equal(t, entries[0].ID, report.Violations[0].EntryID)
	assert.Equal(t, ViolationDigestMismatch, report.Violations[0].Kind)
}

func TestDigest_HashesAfterBytesExactly(t *testing.T) {
	canon := []byte(`{"title":"a\u003cb"}`)
	flipped := []byte(`{"title":"a\u003Cb"}`)
	assert.True(t, IsCanonical(canon))
	assert.False(t, IsCanonical(flipped))

	d1, err := Digest("", ActionTicketCreate, EntityTicket, "t1", canon)
	require.NoError(t, err)
	d2, err := Digest("", ActionTicketCreate, EntityTicket, "t1", flipped)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)

	_, err = Digest("", ActionTicketCreate, EntityTicket, "t1", []byte(`{"title":`))
	assert.Error(t, err)
}

func TestVerify_TamperedDigestBreaksNextLink(t *testing.T) {
	log, repo := newTestLog(t)
	entries := seedChain(t, log, "one", "two", "three")

	rewriteEntry(t, repo, 1, func(e *Entry) {
		e.HashChainCurr = strings.Repeat("0", 64)
	})

	report, err := log.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, report.Violations, 2)
	assert.Equal(t, entries[0].ID, report.Violations[0].EntryID)
	assert.Equal(t, ViolationDigestMismatch, report.Violations[0].Kind)
	assert.Equal(t, entries[1].ID, report.Violations[1].EntryID)
	assert.Equal(t, ViolationBrokenLink, report.Violations[1].Kind)
}

func TestVerify_DeletedEntryIsReported(t *testing.T) {
	log, repo := newTestLog(t)
	seedChain(t, log, "one", "two", "three")

	require.NoError(t, repo.Delete(Namespace, entryRecordType, seqKey(2)))

	report, err := log.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	kinds := make([]string, 0, len(report.Violations))
	for _, v := range report.Violations {
		kinds = append(kinds, v.Kind)
	}
	assert.Contains(t, kinds, ViolationSequenceGap)
}

func TestVerify_TruncatedTailIsReported(t *testing.T) {
	log, repo := newTestLog(t)
	seedChain(t, log, "one", "two", "three")

	require.NoError(t, repo.Delete(Namespace, entryRecordType, seqKey(3)))

	report, err := log.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, ViolationSequenceGap, report.Violations[0].Kind)
}

func TestVerify_SubRangeAnchorsOnPredecessor(t *testing.T) {
	log, repo := newTestLog(t)
	seedChain(t, log, "one", "two", "three", "four")

	report, err := log.Verify(context.Background(), 2, 3)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Checked)

	rewriteEntry(t, repo, 4, func(e *Entry) { e.Action = "ticket.delete" })

	report, err = log.Verify(context.Background(), 2, 3)
	require.NoError(t, err)
	assert.True(t, report.Valid, "entry 4 is outside the range")

	report, err = log.Verify(context.Background(), 3, 0)
	require.NoError(t, err)
	assert.False(t, report.Valid)
}

func TestVerify_DoesNotWrite(t *testing.T) {
	log, repo := newTestLog(t)
	seedChain(t, log, "one", "two")

	before, err := repo.Get(Namespace, headRecordType, headRecordID)
	require.NoError(t, err)
	_, err = log.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	after, err := repo.Get(Namespace, headRecordType, headRecordID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
