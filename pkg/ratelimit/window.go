package ratelimit

import "time"

// window is a fixed counting window. count never exceeds limit.
type window struct {
	start    time.Time
	count    int
	limit    int
	duration time.Duration
}

func newWindow(limit int, d time.Duration, now time.Time) window {
	return window{start: now, limit: limit, duration: d}
}

// roll resets the window when now has reached its end.
func (w *window) roll(now time.Time) {
	if !now.Before(w.start.Add(w.duration)) {
		w.start = now
		w.count = 0
	}
}

func (w *window) full() bool {
	return w.count >= w.limit
}

func (w *window) retryAfter(now time.Time) time.Duration {
	return w.start.Add(w.duration).Sub(now)
}

// end reports when the window rolls over.
func (w *window) end() time.Time {
	return w.start.Add(w.duration)
}
