package audit

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// DefaultMemoryCapacity is the number of entries a MemorySink retains by default.
const DefaultMemoryCapacity = 1000

// MemorySink keeps the most recent entries in a ring buffer.
type MemorySink struct {
	mu    sync.RWMutex
	buf   []Entry
	next  int
	count int
}

// NewMemorySink creates a MemorySink retaining up to capacity entries.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemorySink{buf: make([]Entry, capacity)}
}

// Write implements Sink. Entries beyond capacity overwrite the oldest.
func (m *MemorySink) Write(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		m.buf[m.next] = e
		m.next = (m.next + 1) % len(m.buf)
		if m.count < len(m.buf) {
			m.count++
		}
	}
	return nil
}

// Len returns the number of retained entries.
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Recent returns up to n entries, newest first. n <= 0 returns all retained entries.
func (m *MemorySink) Recent(n int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 || n > m.count {
		n = m.count
	}
	out := make([]Entry, 0, n)
	m.newestFirst(func(e Entry) bool {
		out = append(out, e)
		return len(out) < n
	})
	return out
}

// Query returns matching entries, newest first.
func (m *MemorySink) Query(_ context.Context, filter QueryFilter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Entry{}
	skipped := 0
	m.newestFirst(func(e Entry) bool {
		if !filter.Matches(e) {
			return true
		}
		if skipped < filter.Offset {
			skipped++
			return true
		}
		out = append(out, e)
		return filter.Limit <= 0 || len(out) < filter.Limit
	})
	return out, nil
}

// Count returns the number of matching entries.
func (m *MemorySink) Count(_ context.Context, filter QueryFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	m.newestFirst(func(e Entry) bool {
		if filter.Matches(e) {
			n++
		}
		return true
	})
	return n, nil
}

// Breakdown groups retained entries by a dimension, largest groups first.
func (m *MemorySink) Breakdown(_ context.Context, filter BreakdownFilter) ([]BreakdownEntry, error) {
	if !ValidBreakdownDimensions[filter.GroupBy] {
		return nil, &InvalidDimensionError{Dimension: filter.GroupBy}
	}

	window := QueryFilter{StartTime: filter.StartTime, EndTime: filter.EndTime}
	type tally struct{ total, allowed int }
	groups := make(map[string]*tally)

	m.mu.RLock()
	m.newestFirst(func(e Entry) bool {
		if !window.Matches(e) {
			return true
		}
		key := dimensionValue(e, filter.GroupBy)
		t, ok := groups[key]
		if !ok {
			t = &tally{}
			groups[key] = t
		}
		t.total++
		if e.Decision == DecisionAllow {
			t.allowed++
		}
		return true
	})
	m.mu.RUnlock()

	out := make([]BreakdownEntry, 0, len(groups))
	for key, t := range groups {
		out = append(out, BreakdownEntry{
			Dimension: key,
			Count:     t.total,
			AllowRate: float64(t.allowed) / float64(t.total),
		})
	}
	slices.SortFunc(out, func(a, b BreakdownEntry) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Dimension, b.Dimension)
	})

	if limit := ClampBreakdownLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// newestFirst calls fn for retained entries from newest to oldest until fn
// returns false. The caller holds the lock.
func (m *MemorySink) newestFirst(fn func(Entry) bool) {
	for i := range m.count {
		idx := (m.next - 1 - i + len(m.buf)) % len(m.buf)
		if !fn(m.buf[idx]) {
			return
		}
	}
}

func dimensionValue(e Entry, dim BreakdownDimension) string {
	switch dim {
	case BreakdownByCommand:
		return e.Command
	case BreakdownByDecision:
		return e.Decision
	case BreakdownBySeverity:
		return string(e.Severity)
	default:
		return e.SessionID
	}
}

// Verify interface compliance.
var (
	_ Sink    = (*MemorySink)(nil)
	_ Querier = (*MemorySink)(nil)
)
