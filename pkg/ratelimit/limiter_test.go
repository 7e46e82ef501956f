package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/ipc-gateway/pkg/clock"
)

const (
	testSessionA = "session-a"
	testSessionB = "session-b"
	testCommand  = "save_settings"
)

var testEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(cfg Config) (*Limiter, *clock.Fake) {
	clk := clock.NewFake(testEpoch)
	return New(cfg, clk), clk
}

func requireExceeded(t *testing.T, err error, scope Scope) *WindowExceededError {
	t.Helper()
	var we *WindowExceededError
	require.True(t, errors.As(err, &we), "expected WindowExceededError, got %v", err)
	assert.Equal(t, scope, we.Scope)
	assert.ErrorIs(t, err, ErrWindowExceeded)
	return we
}

func TestCheckAndRecord_ExactlyLimitPerMinute(t *testing.T) {
	l, clk := newTestLimiter(Config{PerMinute: 100})

	for i := range 100 {
		require.NoError(t, l.CheckAndRecord(testSessionA), "request %d", i+1)
		clk.Advance(500 * time.Millisecond)
	}

	we := requireExceeded(t, l.CheckAndRecord(testSessionA), ScopeSession)
	assert.Equal(t, 10*time.Second, we.RetryAfter)
	assert.Positive(t, we.RetryAfter)

	stats := l.Stats()
	assert.Equal(t, uint64(100), stats.Admitted)
	assert.Equal(t, uint64(1), stats.Rejected)
}

func TestCheckAndRecord_RolloverResets(t *testing.T) {
	l, clk := newTestLimiter(Config{PerMinute: 3, BurstPerSecond: -1})

	for range 3 {
		require.NoError(t, l.CheckAndRecord(testSessionA))
	}
	requireExceeded(t, l.CheckAndRecord(testSessionA), ScopeSession)

	clk.Advance(59 * time.Second)
	we := requireExceeded(t, l.CheckAndRecord(testSessionA), ScopeSession)
	assert.Equal(t, time.Second, we.RetryAfter)

	clk.Advance(time.Second)
	for range 3 {
		require.NoError(t, l.CheckAndRecord(testSessionA))
	}
	requireExceeded(t, l.CheckAndRecord(testSessionA), ScopeSession)
}

func TestCheckAndRecord_RejectionDoesNotCount(t *testing.T) {
	l, clk := newTestLimiter(Config{PerMinute: 2, BurstPerSecond: -1, GlobalPerMinute: 3})

	require.NoError(t, l.CheckAndRecord(testSessionA))
	require.NoError(t, l.CheckAndRecord(testSessionA))
	for range 10 {
		requireExceeded(t, l.CheckAndRecord(testSessionA), ScopeSession)
	}

	// Session A's rejections must not have consumed global capacity.
	require.NoError(t, l.CheckAndRecord(testSessionB))
	requireExceeded(t, l.CheckAndRecord(testSessionB), ScopeGlobal)

	clk.Advance(time.Minute)
	require.NoError(t, l.CheckAndRecord(testSessionA))
}

func TestCheckAndRecord_Burst(t *testing.T) {
	l, clk := newTestLimiter(Config{PerMinute: 100, BurstPerSecond: 10})

	for range 10 {
		require.NoError(t, l.CheckAndRecord(testSessionA))
	}
	we := requireExceeded(t, l.CheckAndRecord(testSessionA), ScopeBurst)
	assert.Equal(t, time.Second, we.RetryAfter)

	clk.Advance(time.Second)
	require.NoError(t, l.CheckAndRecord(testSessionA))
}

func TestCheckAndRecord_RetryAfterIsLongestWindow(t *testing.T) {
	l, clk := newTestLimiter(Config{PerMinute: 2, BurstPerSecond: 2})

	require.NoError(t, l.CheckAndRecord(testSessionA))
	require.NoError(t, l.CheckAndRecord(testSessionA))
	clk.Advance(100 * time.Millisecond)

	// Both the burst and minute windows are full; the minute window ends later.
	we := requireExceeded(t, l.CheckAndRecord(testSessionA), ScopeSession)
	assert.Equal(t, time.Minute-100*time.Millisecond, we.RetryAfter)
}

func TestCheckAndRecord_SessionsIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 1, BurstPerSecond: -1})

	require.NoError(t, l.CheckAndRecord(testSessionA))
	requireExceeded(t, l.CheckAndRecord(testSessionA), ScopeSession)
	require.NoError(t, l.CheckAndRecord(testSessionB))
}

func TestCheckAndRecordCommand(t *testing.T) {
	l, clk := newTestLimiter(Config{PerMinute: 100, BurstPerSecond: -1})

	for range 3 {
		require.NoError(t, l.CheckAndRecordCommand(testSessionA, testCommand, 3))
	}
	requireExceeded(t, l.CheckAndRecordCommand(testSessionA, testCommand, 3), ScopeCommand)

	// Other commands and other sessions are unaffected.
	require.NoError(t, l.CheckAndRecordCommand(testSessionA, "get_settings", 0))
	require.NoError(t, l.CheckAndRecordCommand(testSessionB, testCommand, 3))

	clk.Advance(time.Minute)
	require.NoError(t, l.CheckAndRecordCommand(testSessionA, testCommand, 3))
}

func TestCheckAndRecordCommand_CountsTowardSession(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 2, BurstPerSecond: -1})

	require.NoError(t, l.CheckAndRecordCommand(testSessionA, testCommand, 10))
	require.NoError(t, l.CheckAndRecord(testSessionA))
	requireExceeded(t, l.CheckAndRecordCommand(testSessionA, testCommand, 10), ScopeSession)
}

func TestForget(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 1, BurstPerSecond: -1})

	require.NoError(t, l.CheckAndRecord(testSessionA))
	requireExceeded(t, l.CheckAndRecord(testSessionA), ScopeSession)

	l.Forget(testSessionA)
	assert.Equal(t, 0, l.Stats().TrackedSessions)
	require.NoError(t, l.CheckAndRecord(testSessionA))
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 1, BurstPerSecond: -1, GlobalPerMinute: 10})

	assert.False(t, l.Reset(testSessionA))

	require.NoError(t, l.CheckAndRecord(testSessionA))
	require.NoError(t, l.CheckAndRecord(testSessionB))
	requireExceeded(t, l.CheckAndRecord(testSessionA), ScopeSession)

	assert.True(t, l.Reset(testSessionA))
	require.NoError(t, l.CheckAndRecord(testSessionA))
	requireExceeded(t, l.CheckAndRecord(testSessionB), ScopeSession)

	// The global window keeps its count.
	assert.Equal(t, 3, l.Stats().GlobalCount)
}

func TestStatus_Untracked(t *testing.T) {
	l, _ := newTestLimiter(Config{PerMinute: 60, BurstPerSecond: 5, GlobalPerMinute: 500})

	st := l.Status(testSessionA)
	assert.Equal(t, testSessionA, st.SessionID)
	assert.False(t, st.Tracked)
	require.Len(t, st.Windows, 3)
	assert.Equal(t, WindowStatus{Scope: ScopeSession, Limit: 60, Remaining: 60, ResetAt: testEpoch.Add(time.Minute)}, st.Windows[0])
	assert.Equal(t, WindowStatus{Scope: ScopeBurst, Limit: 5, Remaining: 5, ResetAt: testEpoch.Add(time.Second)}, st.Windows[1])
	assert.Equal(t, ScopeGlobal, st.Windows[2].Scope)
	assert.Equal(t, 0, l.Stats().TrackedSessions)
}

func TestStatus_Tracked(t *testing.T) {
	l, clk := newTestLimiter(Config{PerMinute: 10, BurstPerSecond: -1, GlobalPerMinute: 100})

	require.NoError(t, l.CheckAndRecordCommand(testSessionA, testCommand, 3))
	require.NoError(t, l.CheckAndRecordCommand(testSessionA, "file_operations", 5))
	require.NoError(t, l.CheckAndRecordCommand(testSessionA, testCommand, 3))
	require.NoError(t, l.CheckAndRecord(testSessionB))
	clk.Advance(20 * time.Second)

	st := l.Status(testSessionA)
	assert.True(t, st.Tracked)
	require.Len(t, st.Windows, 4)

	assert.Equal(t, WindowStatus{Scope: ScopeSession, Count: 3, Limit: 10, Remaining: 7, ResetAt: testEpoch.Add(time.Minute)}, st.Windows[0])
	assert.Equal(t, WindowStatus{Scope: ScopeCommand, Command: "file_operations", Count: 1, Limit: 5, Remaining: 4, ResetAt: testEpoch.Add(time.Minute)}, st.Windows[1])
	assert.Equal(t, WindowStatus{Scope: ScopeCommand, Command: testCommand, Count: 2, Limit: 3, Remaining: 1, ResetAt: testEpoch.Add(time.Minute)}, st.Windows[2])
	assert.Equal(t, WindowStatus{Scope: ScopeGlobal, Count: 4, Limit: 100, Remaining: 96, ResetAt: testEpoch.Add(time.Minute)}, st.Windows[3])

	// Reading the status records nothing.
	assert.Equal(t, uint64(4), l.Stats().Admitted)

	clk.Advance(time.Minute)
	st = l.Status(testSessionA)
	assert.Equal(t, 0, st.Windows[0].Count)
	assert.Equal(t, 10, st.Windows[0].Remaining)
	assert.Equal(t, testEpoch.Add(80*time.Second+time.Minute), st.Windows[0].ResetAt)
}

func TestCleanup(t *testing.T) {
	l, clk := newTestLimiter(Config{IdleTTL: time.Minute})

	require.NoError(t, l.CheckAndRecord(testSessionA))
	clk.Advance(30 * time.Second)
	require.NoError(t, l.CheckAndRecord(testSessionB))

	clk.Advance(45 * time.Second)
	assert.Equal(t, 1, l.Cleanup())
	assert.Equal(t, 1, l.Stats().TrackedSessions)

	clk.Advance(time.Minute)
	assert.Equal(t, 1, l.Cleanup())
	assert.Equal(t, 0, l.Stats().TrackedSessions)
}

func TestConfig_Defaults(t *testing.T) {
	l := New(Config{IdleTTL: time.Second}, nil)
	cfg := l.Config()

	assert.Equal(t, DefaultPerMinute, cfg.PerMinute)
	assert.Equal(t, DefaultBurstPerSecond, cfg.BurstPerSecond)
	assert.Equal(t, DefaultGlobalPerMinute, cfg.GlobalPerMinute)
	assert.Equal(t, time.Minute, cfg.IdleTTL)
	assert.Positive(t, cfg.Shards)
}

func TestStats_GlobalWindow(t *testing.T) {
	l, clk := newTestLimiter(Config{GlobalPerMinute: 50})

	require.NoError(t, l.CheckAndRecord(testSessionA))
	require.NoError(t, l.CheckAndRecord(testSessionB))

	stats := l.Stats()
	assert.Equal(t, 2, stats.GlobalCount)
	assert.Equal(t, 50, stats.GlobalLimit)
	assert.Equal(t, 2, stats.TrackedSessions)

	clk.Advance(time.Minute)
	assert.Equal(t, 0, l.Stats().GlobalCount)
}

func TestCheckAndRecord_ConcurrentNeverExceedsLimit(t *testing.T) {
	const (
		sessions  = 8
		perWorker = 50
		limit     = 20
	)
	l, _ := newTestLimiter(Config{PerMinute: limit, BurstPerSecond: -1, GlobalPerMinute: -1})

	var wg sync.WaitGroup
	admitted := make([]atomic.Int64, sessions)
	for s := range sessions {
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := fmt.Sprintf("session-%d", s)
				for range perWorker {
					if l.CheckAndRecord(id) == nil {
						admitted[s].Add(1)
					}
				}
			}()
		}
	}
	wg.Wait()

	for s := range sessions {
		assert.Equal(t, int64(limit), admitted[s].Load(), "session %d", s)
	}
	assert.Equal(t, uint64(sessions*limit), l.Stats().Admitted)
}

func TestStartCleanupRoutine(t *testing.T) {
	l := New(Config{}, nil)
	l.StartCleanupRoutine(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, l.Close())
}

func TestClose_WithoutRoutine(t *testing.T) {
	l := New(Config{}, nil)
	assert.NoError(t, l.Close())
}

func TestStartCleanupRoutine_NonPositiveInterval(t *testing.T) {
	l := New(Config{}, nil)
	assert.NotPanics(t, func() { l.StartCleanupRoutine(-time.Second) })
	time.Sleep(2 * time.Millisecond)
	assert.NoError(t, l.Close())
}

func TestWindowExceededError_Message(t *testing.T) {
	err := &WindowExceededError{Scope: ScopeGlobal, RetryAfter: 3 * time.Second}
	assert.Equal(t, "global rate limit exceeded, retry after 3s", err.Error())
}
