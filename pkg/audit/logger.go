package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults applied to zero config values.
const (
	DefaultQueueSize     = 4096
	DefaultBatchSize     = 128
	DefaultFlushInterval = time.Second
	DefaultWriteTimeout  = 5 * time.Second
)

// slogKeyError is the slog attribute key for error values.
const slogKeyError = "error"

// Config configures a Logger.
type Config struct {
	// QueueSize bounds the number of pending entries (default: 4096).
	QueueSize int

	// BatchSize is the maximum number of entries per Sink write (default: 128).
	BatchSize int

	// FlushInterval bounds how long a partial batch waits (default: 1s).
	FlushInterval time.Duration

	// WriteTimeout bounds a single Sink write (default: 5s).
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Stats is a snapshot of Logger counters.
type Stats struct {
	Recorded   uint64              `json:"recorded"`
	Flushed    uint64              `json:"flushed"`
	Dropped    uint64              `json:"dropped"`
	SinkErrors uint64              `json:"sink_errors"`
	Pending    int                 `json:"pending"`
	BySeverity map[Severity]uint64 `json:"by_severity"`
}

// Logger queues entries for a single background writer.
type Logger struct {
	cfg  Config
	sink Sink

	// mu guards closing the queue; Record holds it shared.
	mu     sync.RWMutex
	closed bool
	queue  chan Entry

	flushReq chan chan struct{}
	done     chan struct{}

	recorded   atomic.Uint64
	flushed    atomic.Uint64
	dropped    atomic.Uint64
	sinkErrors atomic.Uint64
	info       atomic.Uint64
	warning    atomic.Uint64
	critical   atomic.Uint64
}

// NewLogger creates a Logger writing to sink and starts its worker.
func NewLogger(sink Sink, cfg Config) *Logger {
	cfg.applyDefaults()
	l := &Logger{
		cfg:      cfg,
		sink:     sink,
		queue:    make(chan Entry, cfg.QueueSize),
		flushReq: make(chan chan struct{}),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

// Record enqueues an entry without blocking. When the queue is full the
// oldest pending entry is discarded. Entries recorded after Close are dropped.
func (l *Logger) Record(e Entry) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.dropped.Add(1)
		return
	}

	l.recorded.Add(1)
	l.countSeverity(e.Severity)

	for {
		select {
		case l.queue <- e:
			return
		default:
		}
		select {
		case <-l.queue:
			l.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns the number of entries discarded so far.
func (l *Logger) Dropped() uint64 {
	return l.dropped.Load()
}

// Stats returns a snapshot of the logger counters.
func (l *Logger) Stats() Stats {
	return Stats{
		Recorded:   l.recorded.Load(),
		Flushed:    l.flushed.Load(),
		Dropped:    l.dropped.Load(),
		SinkErrors: l.sinkErrors.Load(),
		Pending:    len(l.queue),
		BySeverity: map[Severity]uint64{
			SeverityInfo:     l.info.Load(),
			SeverityWarning:  l.warning.Load(),
			SeverityCritical: l.critical.Load(),
		},
	}
}

// Flush blocks until every entry recorded before the call has been written
// to the sink, or ctx is done.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}

	ack := make(chan struct{})
	select {
	case l.flushReq <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes all pending entries and stops the worker. It is safe to call
// more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	<-l.done
	return nil
}

func (l *Logger) countSeverity(s Severity) {
	switch s {
	case SeverityCritical:
		l.critical.Add(1)
	case SeverityWarning:
		l.warning.Add(1)
	default:
		l.info.Add(1)
	}
}

func (l *Logger) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, l.cfg.BatchSize)
	for {
		select {
		case e, ok := <-l.queue:
			if !ok {
				l.write(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= l.cfg.BatchSize {
				batch = l.write(batch)
			}
		case <-ticker.C:
			batch = l.write(batch)
		case ack := <-l.flushReq:
			batch = l.drain(batch)
			batch = l.write(batch)
			close(ack)
		}
	}
}

// drain moves every queued entry into batch, writing full batches as it goes.
func (l *Logger) drain(batch []Entry) []Entry {
	for {
		select {
		case e, ok := <-l.queue:
			if !ok {
				return batch
			}
			batch = append(batch, e)
			if len(batch) >= l.cfg.BatchSize {
				batch = l.write(batch)
			}
		default:
			return batch
		}
	}
}

// write hands batch to the sink and returns the emptied batch for reuse.
func (l *Logger) write(batch []Entry) []Entry {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()

	// The sink may retain the slice, so it receives its own copy.
	out := make([]Entry, len(batch))
	copy(out, batch)

	if err := l.sink.Write(ctx, out); err != nil {
		l.sinkErrors.Add(1)
		slog.Error("audit sink write failed", "entries", len(out), slogKeyError, err)
	} else {
		l.flushed.Add(uint64(len(out)))
	}
	return batch[:0]
}
