// Package ratelimit enforces fixed-window request limits per session, per
// (session, command) pair and across all sessions.
//
// A rejected request increments nothing. An admitted request increments every
// window that applies to it.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/txn2/ipc-gateway/internal/shard"
	"github.com/txn2/ipc-gateway/pkg/clock"
)

// Defaults applied to zero config values.
const (
	DefaultPerMinute       = 100
	DefaultBurstPerSecond  = 10
	DefaultGlobalPerMinute = 1000
	DefaultIdleTTL         = 2 * time.Minute
)

const (
	minuteWindow = time.Minute
	burstWindow  = time.Second
)

// Config configures a Limiter. A negative BurstPerSecond or GlobalPerMinute
// disables that window.
type Config struct {
	PerMinute       int
	BurstPerSecond  int
	GlobalPerMinute int

	// IdleTTL is how long a session's windows are kept after its last
	// request. Values below one minute are raised to one minute so that
	// cleanup never forgets a window that is still open.
	IdleTTL time.Duration

	// Shards is the number of lock shards (default: 64).
	Shards int
}

func (c *Config) applyDefaults() {
	if c.PerMinute <= 0 {
		c.PerMinute = DefaultPerMinute
	}
	if c.BurstPerSecond == 0 {
		c.BurstPerSecond = DefaultBurstPerSecond
	}
	if c.GlobalPerMinute == 0 {
		c.GlobalPerMinute = DefaultGlobalPerMinute
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.IdleTTL < minuteWindow {
		c.IdleTTL = minuteWindow
	}
	c.Shards = shard.Normalize(c.Shards)
}

// sessionWindows holds every window belonging to one session.
type sessionWindows struct {
	minute   window
	burst    window
	commands map[string]*window
	lastSeen time.Time
}

type limiterShard struct {
	mu       sync.Mutex
	sessions map[string]*sessionWindows
}

// Stats is a point-in-time snapshot of limiter counters.
type Stats struct {
	Admitted        uint64 `json:"admitted"`
	Rejected        uint64 `json:"rejected"`
	TrackedSessions int    `json:"tracked_sessions"`
	GlobalCount     int    `json:"global_count"`
	GlobalLimit     int    `json:"global_limit"`
}

// WindowStatus describes one window as seen at a point in time.
type WindowStatus struct {
	Scope     Scope     `json:"scope"`
	Command   string    `json:"command,omitempty"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// SessionStatus lists the windows that apply to one session. Tracked is
// false when the limiter holds no windows for it; Windows then show the
// configured limits with nothing counted.
type SessionStatus struct {
	SessionID string         `json:"session_id"`
	Tracked   bool           `json:"tracked"`
	Windows   []WindowStatus `json:"windows"`
}

// Limiter is safe for concurrent use. Requests for different sessions only
// share the short global critical section.
type Limiter struct {
	cfg    Config
	clock  clock.Clock
	shards []limiterShard

	globalMu sync.Mutex
	global   window

	admitted atomic.Uint64
	rejected atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Limiter. A nil clock uses the system clock.
func New(cfg Config, clk clock.Clock) *Limiter {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}

	l := &Limiter{
		cfg:    cfg,
		clock:  clk,
		shards: make([]limiterShard, cfg.Shards),
		global: newWindow(cfg.GlobalPerMinute, minuteWindow, clk.Now()),
	}
	for i := range l.shards {
		l.shards[i].sessions = make(map[string]*sessionWindows)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// CheckAndRecord admits or rejects one request for sessionID.
func (l *Limiter) CheckAndRecord(sessionID string) error {
	return l.CheckAndRecordCommand(sessionID, "", 0)
}

// CheckAndRecordCommand admits or rejects one request for sessionID. When
// perMinute is positive the (session, command) pair has its own minute
// window in addition to the session and global windows.
func (l *Limiter) CheckAndRecordCommand(sessionID, command string, perMinute int) error {
	now := l.clock.Now()

	sh := l.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sw, ok := sh.sessions[sessionID]
	if !ok {
		sw = &sessionWindows{
			minute: newWindow(l.cfg.PerMinute, minuteWindow, now),
			burst:  newWindow(l.cfg.BurstPerSecond, burstWindow, now),
		}
		sh.sessions[sessionID] = sw
	}
	sw.lastSeen = now

	var rej rejection
	sw.minute.roll(now)
	rej.check(&sw.minute, ScopeSession, now)
	if l.cfg.BurstPerSecond > 0 {
		sw.burst.roll(now)
		rej.check(&sw.burst, ScopeBurst, now)
	}

	var cmd *window
	if command != "" && perMinute > 0 {
		if sw.commands == nil {
			sw.commands = make(map[string]*window)
		}
		cmd, ok = sw.commands[command]
		if !ok {
			w := newWindow(perMinute, minuteWindow, now)
			cmd = &w
			sw.commands[command] = cmd
		}
		cmd.limit = perMinute
		cmd.roll(now)
		rej.check(cmd, ScopeCommand, now)
	}

	if l.cfg.GlobalPerMinute > 0 {
		l.globalMu.Lock()
		l.global.roll(now)
		rej.check(&l.global, ScopeGlobal, now)
		if rej.err == nil {
			l.global.count++
		}
		l.globalMu.Unlock()
	}

	if rej.err != nil {
		l.rejected.Add(1)
		return rej.err
	}

	sw.minute.count++
	if l.cfg.BurstPerSecond > 0 {
		sw.burst.count++
	}
	if cmd != nil {
		cmd.count++
	}
	l.admitted.Add(1)
	return nil
}

// rejection accumulates the exceeded window with the longest wait.
type rejection struct {
	err *WindowExceededError
}

func (r *rejection) check(w *window, scope Scope, now time.Time) {
	if !w.full() {
		return
	}
	wait := w.retryAfter(now)
	if r.err == nil || wait > r.err.RetryAfter {
		r.err = &WindowExceededError{Scope: scope, RetryAfter: wait}
	}
}

// Forget drops all windows for sessionID.
func (l *Limiter) Forget(sessionID string) {
	l.Reset(sessionID)
}

// Reset drops all windows for sessionID and reports whether any were held.
// The global window is untouched.
func (l *Limiter) Reset(sessionID string) bool {
	sh := l.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.sessions[sessionID]
	delete(sh.sessions, sessionID)
	return ok
}

// Status reports the session's windows without recording a request.
// Command windows are sorted by command name.
func (l *Limiter) Status(sessionID string) SessionStatus {
	now := l.clock.Now()
	st := SessionStatus{SessionID: sessionID}

	sh := l.shardFor(sessionID)
	sh.mu.Lock()
	sw, ok := sh.sessions[sessionID]
	if ok {
		st.Tracked = true
		st.Windows = append(st.Windows, windowStatus(sw.minute, ScopeSession, "", now))
		if l.cfg.BurstPerSecond > 0 {
			st.Windows = append(st.Windows, windowStatus(sw.burst, ScopeBurst, "", now))
		}
		names := make([]string, 0, len(sw.commands))
		for name := range sw.commands {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			st.Windows = append(st.Windows, windowStatus(*sw.commands[name], ScopeCommand, name, now))
		}
	}
	sh.mu.Unlock()

	if !ok {
		st.Windows = append(st.Windows, windowStatus(newWindow(l.cfg.PerMinute, minuteWindow, now), ScopeSession, "", now))
		if l.cfg.BurstPerSecond > 0 {
			st.Windows = append(st.Windows, windowStatus(newWindow(l.cfg.BurstPerSecond, burstWindow, now), ScopeBurst, "", now))
		}
	}

	if l.cfg.GlobalPerMinute > 0 {
		l.globalMu.Lock()
		st.Windows = append(st.Windows, windowStatus(l.global, ScopeGlobal, "", now))
		l.globalMu.Unlock()
	}
	return st
}

// windowStatus reads w as of now; a window past its end reads as empty.
func windowStatus(w window, scope Scope, command string, now time.Time) WindowStatus {
	w.roll(now)
	return WindowStatus{
		Scope:     scope,
		Command:   command,
		Count:     w.count,
		Limit:     w.limit,
		Remaining: max(w.limit-w.count, 0),
		ResetAt:   w.end(),
	}
}

// Cleanup removes sessions idle for longer than the configured IdleTTL and
// returns the number removed.
func (l *Limiter) Cleanup() int {
	cutoff := l.clock.Now().Add(-l.cfg.IdleTTL)
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for id, sw := range sh.sessions {
			if sw.lastSeen.Before(cutoff) {
				delete(sh.sessions, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Stats returns a snapshot of limiter counters.
func (l *Limiter) Stats() Stats {
	tracked := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		tracked += len(sh.sessions)
		sh.mu.Unlock()
	}

	l.globalMu.Lock()
	now := l.clock.Now()
	globalCount := l.global.count
	if !now.Before(l.global.end()) {
		globalCount = 0
	}
	l.globalMu.Unlock()

	return Stats{
		Admitted:        l.admitted.Load(),
		Rejected:        l.rejected.Load(),
		TrackedSessions: tracked,
		GlobalCount:     globalCount,
		GlobalLimit:     l.cfg.GlobalPerMinute,
	}
}

// StartCleanupRoutine periodically forgets idle sessions until Close is called.
func (l *Limiter) StartCleanupRoutine(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// Close stops the cleanup goroutine. It is safe to call without
// StartCleanupRoutine.
func (l *Limiter) Close() error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	return nil
}

func (l *Limiter) shardFor(sessionID string) *limiterShard {
	return &l.shards[shard.Index(sessionID, len(l.shards))]
}
