package audit

import (
	"context"
	"fmt"
	"strconv"
)

// Violation kinds reported by Verify.
const (
	ViolationDigestMismatch = "digest_mismatch"
	ViolationBrokenLink     = "broken_link"
	ViolationSequenceGap    = "sequence_gap"
	ViolationUnreadable     = "unreadable_entry"
	ViolationHeadMismatch   = "head_mismatch"
)

// IntegrityViolation describes one entry that failed verification. It is
// only ever carried in a Report.
type IntegrityViolation struct {
	EntryID string `json:"entry_id"`
	Seq     uint64 `json:"seq"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

func (v IntegrityViolation) Error() string {
	return fmt.Sprintf("audit entry %d (id=%s): %s: %s", v.Seq, v.EntryID, v.Kind, v.Detail)
}

// Report is the result of a chain verification.
type Report struct {
	From       uint64               `json:"from"`
	To         uint64               `json:"to"`
	Checked    int                  `json:"checked"`
	Valid      bool                 `json:"valid"`
	HeadSeq    uint64               `json:"head_seq"`
	HeadHash   string               `json:"head_hash,omitempty"`
	Violations []IntegrityViolation `json:"violations"`
}

// Verify recomputes every link with from <= seq <= to, in sequence order.
// from 0 is treated as 1 and to 0 means the newest entry. When the range
// reaches the newest entry, the chain head record must agree with it.
// Verify never writes.
func (l *Log) Verify(ctx context.Context, from, to uint64) (*Report, error) {
	if from == 0 {
		from = 1
	}
	head, _, err := readHead(l.repo)
	if err != nil {
		return nil, err
	}
	ids, err := l.repo.List(Namespace, entryRecordType)
	if err != nil && !isMissing(err) {
		return nil, err
	}
	maxSeq := max(head.Seq, lastSeq(ids))
	if to == 0 || to > maxSeq {
		to = maxSeq
	}

	report := &Report{
		From:       from,
		To:         to,
		Valid:      true,
		HeadSeq:    head.Seq,
		HeadHash:   head.Hash,
		Violations: []IntegrityViolation{},
	}
	fail := func(v IntegrityViolation) {
		report.Valid = false
		report.Violations = append(report.Violations, v)
	}

	// The predecessor of the first checked entry anchors the range.
	var prev *Entry
	if from > 1 {
		prev, err = loadEntry(l.repo, seqKey(from-1))
		if err != nil {
			fail(IntegrityViolation{Seq: from - 1, Kind: ViolationUnreadable, Detail: err.Error()})
		}
	}

	expected := from
	var last *Entry
	for _, id := range ids {
		seq, perr := strconv.ParseUint(id, 10, 64)
		if perr != nil || seq < from {
			continue
		}
		if seq > to {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e, err := loadEntry(l.repo, id)
		if err != nil {
			fail(IntegrityViolation{Seq: seq, Kind: ViolationUnreadable, Detail: err.Error()})
			prev = nil
			expected = seq + 1
			continue
		}
		report.Checked++

		if seq != expected {
			fail(IntegrityViolation{
				EntryID: e.ID, Seq: seq, Kind: ViolationSequenceGap,
				Detail: fmt.Sprintf("expected seq %d", expected),
			})
		}
		if e.Seq != seq {
			fail(IntegrityViolation{
				EntryID: e.ID, Seq: seq, Kind: ViolationSequenceGap,
				Detail: fmt.Sprintf("stored seq %d does not match key", e.Seq),
			})
		}

		wantPrev := ""
		if prev != nil {
			wantPrev = prev.HashChainCurr
		}
		if (prev != nil || seq == 1) && e.HashChainPrev != wantPrev {
			fail(IntegrityViolation{
				EntryID: e.ID, Seq: seq, Kind: ViolationBrokenLink,
				Detail: fmt.Sprintf("hash_chain_prev=%q, predecessor hash_chain_curr=%q", e.HashChainPrev, wantPrev),
			})
		}

		digest, derr := Digest(e.HashChainPrev, e.Action, e.Entity, e.EntityID, e.After)
		switch {
		case !IsCanonical(e.After):
			fail(IntegrityViolation{EntryID: e.ID, Seq: seq, Kind: ViolationDigestMismatch, Detail: "after is not canonical json"})
		case derr != nil:
			fail(IntegrityViolation{EntryID: e.ID, Seq: seq, Kind: ViolationDigestMismatch, Detail: derr.Error()})
		case digest != e.HashChainCurr:
			fail(IntegrityViolation{
				EntryID: e.ID, Seq: seq, Kind: ViolationDigestMismatch,
				Detail: fmt.Sprintf("stored %s, recomputed %s", e.HashChainCurr, digest),
			})
		}

		prev = e
		last = e
		expected = seq + 1
	}

	if expected <= to && to <= head.Seq {
		fail(IntegrityViolation{
			Seq: expected, Kind: ViolationSequenceGap,
			Detail: fmt.Sprintf("entries %d..%d missing", expected, to),
		})
	}
	if to >= head.Seq && head.Seq > 0 {
		switch {
		case last == nil || last.Seq != head.Seq:
			fail(IntegrityViolation{
				Seq: head.Seq, Kind: ViolationHeadMismatch,
				Detail: fmt.Sprintf("chain head points at seq %d which was not verified", head.Seq),
			})
		case last.HashChainCurr != head.Hash:
			fail(IntegrityViolation{
				EntryID: last.ID, Seq: last.Seq, Kind: ViolationHeadMismatch,
				Detail: fmt.Sprintf("chain head hash %s differs from newest entry", head.Hash),
			})
		}
	}
	if to > head.Seq {
		fail(IntegrityViolation{
			Seq: head.Seq + 1, Kind: ViolationHeadMismatch,
			Detail: fmt.Sprintf("entries beyond chain head seq %d", head.Seq),
		})
	}
	return report, nil
}

func lastSeq(ids []string) uint64 {
	if len(ids) == 0 {
		return 0
	}
	n, _ := strconv.ParseUint(ids[len(ids)-1], 10, 64)
	return n
}
