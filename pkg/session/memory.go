package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/ipc-gateway/internal/shard"
	"github.com/txn2/ipc-gateway/pkg/clock"
	"github.com/txn2/ipc-gateway/pkg/policy"
)

// record guards one session. Its mutex serializes mutations of that session
// only; the shard lock is held just long enough to find the record.
type record struct {
	mu   sync.Mutex
	sess Session
}

type memoryShard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// MemoryStore implements Store with sharded in-memory maps.
type MemoryStore struct {
	cfg    Config
	clock  clock.Clock
	shards []memoryShard

	cancel context.CancelFunc
	done   chan struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the time source.
func WithClock(c clock.Clock) MemoryOption {
	return func(s *MemoryStore) { s.clock = c }
}

// WithShards sets the number of lock shards.
func WithShards(n int) MemoryOption {
	return func(s *MemoryStore) { s.shards = make([]memoryShard, shard.Normalize(n)) }
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore(cfg Config, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		cfg:    cfg.WithDefaults(),
		clock:  clock.Real{},
		shards: make([]memoryShard, shard.DefaultCount),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i].records = make(map[string]*record)
	}
	return s
}

// Create registers a new session.
func (s *MemoryStore) Create(_ context.Context, level policy.Level, label string) (*Session, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("creating session: invalid level %d", level)
	}

	now := s.clock.Now()
	rec := &record{sess: Session{
		ID:           uuid.NewString(),
		Level:        level,
		Label:        label,
		CreatedAt:    now,
		LastActivity: now,
	}}

	sh := s.shardFor(rec.sess.ID)
	sh.mu.Lock()
	sh.records[rec.sess.ID] = rec
	sh.mu.Unlock()

	return rec.sess.Clone(), nil
}

// Get returns a copy of the session.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	rec := s.lookup(id)
	if rec == nil {
		return nil, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.sess.Clone(), nil
}

// Touch records activity, revoking the session if it has expired.
func (s *MemoryStore) Touch(_ context.Context, id string) error {
	rec := s.lookup(id)
	if rec == nil {
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.sess.Revoked {
		return ErrRevoked
	}

	now := s.clock.Now()
	if rec.sess.IdleExpired(now, s.cfg.Timeout) {
		rec.sess.revoke(now, ReasonExpired)
		slog.Info("session expired", "session_id", id, "label", rec.sess.Label)
		return ErrExpired
	}

	rec.sess.LastActivity = now
	return nil
}

// RecordFailure increments the failure counter and revokes at the threshold.
func (s *MemoryStore) RecordFailure(_ context.Context, id string) (bool, error) {
	rec := s.lookup(id)
	if rec == nil {
		return false, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.sess.Revoked {
		return false, ErrRevoked
	}

	rec.sess.ConsecutiveFailures++
	if rec.sess.ConsecutiveFailures < s.cfg.MaxFailures {
		return false, nil
	}

	rec.sess.revoke(s.clock.Now(), ReasonTooManyFailures)
	slog.Warn("session revoked",
		"session_id", id,
		"label", rec.sess.Label,
		"consecutive_failures", rec.sess.ConsecutiveFailures,
	)
	return true, nil
}

// RecordSuccess resets the failure counter.
func (s *MemoryStore) RecordSuccess(_ context.Context, id string) error {
	rec := s.lookup(id)
	if rec == nil {
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.sess.Revoked {
		return ErrRevoked
	}
	rec.sess.ConsecutiveFailures = 0
	return nil
}

// SetLevel changes the session's permission level.
func (s *MemoryStore) SetLevel(_ context.Context, id string, level policy.Level) error {
	if !level.Valid() {
		return fmt.Errorf("setting session level: invalid level %d", level)
	}
	rec := s.lookup(id)
	if rec == nil {
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.sess.Revoked {
		return ErrRevoked
	}
	rec.sess.Level = level
	return nil
}

// Revoke revokes the session.
func (s *MemoryStore) Revoke(_ context.Context, id, reason string) error {
	rec := s.lookup(id)
	if rec == nil {
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.sess.revoke(s.clock.Now(), reason)
	return nil
}

// List returns live sessions. Expired sessions are omitted but not revoked.
func (s *MemoryStore) List(_ context.Context) ([]*Session, error) {
	now := s.clock.Now()
	var result []*Session
	s.each(func(rec *record) {
		if !rec.sess.Revoked && !rec.sess.IdleExpired(now, s.cfg.Timeout) {
			result = append(result, rec.sess.Clone())
		}
	})
	return result, nil
}

// Stats counts sessions by state.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	now := s.clock.Now()
	var st Stats
	s.each(func(rec *record) {
		switch {
		case rec.sess.Revoked:
			st.Revoked++
		case rec.sess.IdleExpired(now, s.cfg.Timeout):
			st.Expired++
		default:
			st.Active++
		}
	})
	return st, nil
}

// Cleanup removes sessions revoked, or idle past their timeout, for longer
// than the retention period.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	now := s.clock.Now()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, rec := range sh.records {
			rec.mu.Lock()
			dead := s.reclaimable(&rec.sess, now)
			rec.mu.Unlock()
			if dead {
				delete(sh.records, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		slog.Debug("session cleanup", "removed", removed)
	}
	return nil
}

func (s *MemoryStore) reclaimable(sess *Session, now time.Time) bool {
	if sess.Revoked {
		return now.Sub(sess.RevokedAt) > s.cfg.Retention
	}
	return sess.IdleExpired(now, s.cfg.Timeout+s.cfg.Retention)
}

// StartCleanupRoutine starts a background goroutine that periodically
// reclaims dead sessions. The goroutine is stopped when Close is called.
// A non-positive interval starts nothing.
func (s *MemoryStore) StartCleanupRoutine(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

func (s *MemoryStore) shardFor(id string) *memoryShard {
	return &s.shards[shard.Index(id, len(s.shards))]
}

func (s *MemoryStore) lookup(id string) *record {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.records[id]
}

// each calls fn for every record with the record lock held.
func (s *MemoryStore) each(fn func(*record)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, rec := range sh.records {
			rec.mu.Lock()
			fn(rec)
			rec.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
