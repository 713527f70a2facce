package lockout

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRecordFailure_FifthFailureLocksFourthDoesNot(t *testing.T) {
	clock := newFakeClock()
	tr := New(DefaultConfig(), WithClock(clock.Now))

	for i := 1; i <= 4; i++ {
		require.NoError(t, tr.RecordFailure("bob", "10.0.0.1"), "failure %d", i)
		clock.Advance(time.Second)
	}
	locked, _ := tr.Locked("bob", "10.0.0.1")
	assert.False(t, locked, "4 failures must not lock")

	err := tr.RecordFailure("bob", "10.0.0.1")
	var lockedErr *LockedError
	require.True(t, errors.As(err, &lockedErr))
	assert.Equal(t, DefaultLockDuration, lockedErr.RetryAfter)
	assert.Equal(t, 900, lockedErr.RetryAfterSeconds())
	assert.Equal(t, "900", lockedErr.RetryAfterHeader())

	locked, retryAfter := tr.Locked("bob", "10.0.0.1")
	assert.True(t, locked)
	assert.Equal(t, DefaultLockDuration, retryAfter)
}

func TestLocked_ExpiresAfterLockDurationAndPrunes(t *testing.T) {
	clock := newFakeClock()
	tr := New(DefaultConfig(), WithClock(clock.Now))
	for i := 0; i < 5; i++ {
		_ = tr.RecordFailure("bob", "10.0.0.1")
	}

	clock.Advance(DefaultLockDuration - time.Second)
	require.Error(t, tr.Check("bob", "10.0.0.1"))

	clock.Advance(time.Second)
	require.NoError(t, tr.Check("bob", "10.0.0.1"))
	assert.Zero(t, tr.Len(), "expired lock should be pruned on check")
}

func TestRecordFailure_WindowResetsCount(t *testing.T) {
	clock := newFakeClock()
	tr := New(DefaultConfig(), WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		require.NoError(t, tr.RecordFailure("bob", "10.0.0.1"))
	}
	clock.Advance(DefaultWindow + time.Second)

	for i := 0; i < 4; i++ {
		require.NoError(t, tr.RecordFailure("bob", "10.0.0.1"), "window expired, count restarted")
	}
	assert.Error(t, tr.RecordFailure("bob", "10.0.0.1"))
}

func TestKey_ScopesByUsernameAndAddress(t *testing.T) {
	clock := newFakeClock()
	tr := New(Config{Threshold: 2}, WithClock(clock.Now))

	_ = tr.RecordFailure("Bob", "10.0.0.1")
	assert.Error(t, tr.RecordFailure("  bob ", "10.0.0.1"), "username is case and space insensitive")

	locked, _ := tr.Locked("bob", "10.0.0.2")
	assert.False(t, locked, "other address is unaffected")
	locked, _ = tr.Locked("alice", "10.0.0.1")
	assert.False(t, locked, "other user is unaffected")
}

func TestClear_RemovesRecord(t *testing.T) {
	tr := New(DefaultConfig())
	for i := 0; i < 3; i++ {
		_ = tr.RecordFailure("bob", "10.0.0.1")
	}
	tr.Clear("bob", "10.0.0.1")
	assert.Zero(t, tr.Len())
	for i := 0; i < 4; i++ {
		assert.NoError(t, tr.RecordFailure("bob", "10.0.0.1"))
	}
}

func TestSweep_RemovesStaleRecords(t *testing.T) {
	clock := newFakeClock()
	tr := New(DefaultConfig(), WithClock(clock.Now))

	_ = tr.RecordFailure("stale", "10.0.0.1")
	for i := 0; i < 5; i++ {
		_ = tr.RecordFailure("locked", "10.0.0.1")
	}
	clock.Advance(DefaultWindow + time.Minute)
	_ = tr.RecordFailure("fresh", "10.0.0.1")

	assert.Equal(t, 1, tr.Sweep(), "only the window-expired record goes")
	assert.Equal(t, 2, tr.Len())

	clock.Advance(DefaultLockDuration)
	assert.Equal(t, 2, tr.Sweep())
	assert.Zero(t, tr.Len())
}

func TestRecordFailure_ConcurrentCallersCountEveryFailure(t *testing.T) {
	tr := New(Config{Threshold: 100})
	var wg sync.WaitGroup
	for i := 0; i < 99; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.RecordFailure("bob", "10.0.0.1")
		}()
	}
	wg.Wait()
	locked, _ := tr.Locked("bob", "10.0.0.1")
	assert.False(t, locked)
	assert.Error(t, tr.RecordFailure("bob", "10.0.0.1"))
}
