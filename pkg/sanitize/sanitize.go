// Package sanitize rejects command payloads containing denylisted patterns.
//
// Payloads are never rewritten: a match rejects the whole invocation so the
// original input stays visible to audit review.
package sanitize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
)

// DefaultMaxPayloadBytes is the default payload size ceiling (10 MiB).
const DefaultMaxPayloadBytes = 10 * 1024 * 1024

// rootPath is the field path of the payload itself.
const rootPath = "$"

// Config configures a Sanitizer.
type Config struct {
	// MaxPayloadBytes bounds the raw payload size (default: 10 MiB).
	MaxPayloadBytes int

	// ExtraPatterns are appended to the builtin denylist. See CompilePattern.
	ExtraPatterns []string
}

// Sanitizer scans payloads against a fixed denylist. It holds no mutable
// state and is safe for concurrent use.
type Sanitizer struct {
	maxBytes int
	patterns []Pattern
}

// New creates a Sanitizer from cfg.
func New(cfg Config) (*Sanitizer, error) {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}

	patterns := slices.Clone(builtinPatterns)
	for _, raw := range cfg.ExtraPatterns {
		p, err := CompilePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("dangerous_patterns: %w", err)
		}
		patterns = append(patterns, p)
	}

	return &Sanitizer{maxBytes: cfg.MaxPayloadBytes, patterns: patterns}, nil
}

// MaxPayloadBytes returns the configured size ceiling.
func (s *Sanitizer) MaxPayloadBytes() int {
	return s.maxBytes
}

// Scan checks a raw JSON payload. The size limit is enforced before decoding.
// An empty payload is treated as JSON null.
func (s *Sanitizer) Scan(payload json.RawMessage) error {
	if len(payload) > s.maxBytes {
		return &PayloadTooLargeError{Size: len(payload), Limit: s.maxBytes}
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON value", ErrMalformedPayload)
	}

	return s.walk(v, rootPath)
}

// ScanValue checks an already-decoded payload. Values that are not plain JSON
// shapes are normalized through encoding/json before walking. No size limit
// is applied because the value is already in memory.
func (s *Sanitizer) ScanValue(v any) error {
	return s.walk(v, rootPath)
}

// ScanString checks a single string value.
func (s *Sanitizer) ScanString(value, fieldPath string) error {
	for _, p := range s.patterns {
		if p.Match(value) {
			return &PatternError{Pattern: p.Name, FieldPath: fieldPath}
		}
	}
	return nil
}

// walk visits string leaves depth-first. Object keys are visited in sorted
// order so the reported match is deterministic.
func (s *Sanitizer) walk(v any, path string) error {
	switch val := v.(type) {
	case string:
		return s.ScanString(val, path)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if err := s.walk(val[k], childPath(path, k)); err != nil {
				return err
			}
		}
	case []any:
		for i, item := range val {
			if err := s.walk(item, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
	case []string:
		for i, item := range val {
			if err := s.ScanString(item, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if err := s.ScanString(val[k], childPath(path, k)); err != nil {
				return err
			}
		}
	case nil, bool, float64, float32, json.Number, int, int32, int64, uint, uint32, uint64:
		// Numbers, booleans and null are not scanned.
	default:
		return s.walkEncoded(val, path)
	}
	return nil
}

// walkEncoded normalizes an arbitrary Go value through JSON and walks the result.
func (s *Sanitizer) walkEncoded(v any, path string) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return s.walk(decoded, path)
}

// identPattern matches keys that can use dot notation in a field path.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// childPath appends key to a field path.
func childPath(parent, key string) string {
	if identPattern.MatchString(key) {
		return parent + "." + key
	}
	return parent + "[" + strconv.Quote(key) + "]"
}
