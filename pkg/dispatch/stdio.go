package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	// DefaultMaxLineBytes bounds one request line (payload plus envelope).
	DefaultMaxLineBytes = 11 << 20

	// DefaultMaxInFlight bounds concurrently running requests.
	DefaultMaxInFlight = 32

	initialLineBuffer = 64 << 10
)

// decisionRejected marks lines that never reached the gateway.
const decisionRejected = "rejected"

// StreamConfig configures a Stream.
type StreamConfig struct {
	// MaxLineBytes bounds one request line (default: 11 MiB).
	MaxLineBytes int

	// MaxInFlight bounds concurrently running requests (default: 32).
	MaxInFlight int
}

// Stream serves JSON-lines requests: one Request per input line, one
// Response per output line. Responses may be written out of order; callers
// correlate by ID.
type Stream struct {
	dispatcher *Dispatcher
	maxLine    int
	sem        chan struct{}

	writeMu sync.Mutex
}

// NewStream creates a Stream over d.
func NewStream(d *Dispatcher, cfg StreamConfig) *Stream {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	return &Stream{
		dispatcher: d,
		maxLine:    cfg.MaxLineBytes,
		sem:        make(chan struct{}, cfg.MaxInFlight),
	}
}

// Serve reads requests from r until EOF or ctx is done, and writes responses
// to w. It waits for in-flight requests before returning. A line longer than
// MaxLineBytes ends the stream with an error.
func (s *Stream) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(initialLineBuffer, s.maxLine)), s.maxLine)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			slog.Debug("rejecting malformed request line", slogKeyError, err)
			if err := s.write(w, Response{Decision: decisionRejected, Error: msgBadRequest}); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.sem }()

			resp := s.dispatcher.Dispatch(ctx, req)
			if err := s.write(w, resp); err != nil {
				slog.Error("writing response failed", "request_id", resp.ID, slogKeyError, err)
			}
		}()
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("request line exceeds %d bytes: %w", s.maxLine, err)
		}
		return fmt.Errorf("reading requests: %w", err)
	}
	return nil
}

// write encodes one response line. Writes are serialized.
func (s *Stream) write(w io.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}
