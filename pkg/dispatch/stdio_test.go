package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/ipc-gateway/pkg/policy"
)

func decodeResponses(t *testing.T, out *bytes.Buffer) map[string]Response {
	t.Helper()
	got := make(map[string]Response)
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp), "line %q", scanner.Text())
		got[resp.ID] = resp
	}
	require.NoError(t, scanner.Err())
	return got
}

func newStubStream(t *testing.T, cfg StreamConfig) *Stream {
	t.Helper()
	d, err := New(&stubValidator{}, policy.MustNewTable(policy.DefaultRules()))
	require.NoError(t, err)
	require.NoError(t, RegisterBuiltins(d, AppInfo{Name: testAppName, Version: testVersion}))
	return NewStream(d, cfg)
}

func TestStream_ServeRequests(t *testing.T) {
	s := newStubStream(t, StreamConfig{})
	in := strings.NewReader(strings.Join([]string{
		`{"id":"a","session_id":"s","command":"ping"}`,
		``,
		`   `,
		`{"id":"b","session_id":"s","command":"app.info"}`,
		`{"id":"c","session_id":"s","command":"get_settings"}`,
	}, "\n"))
	var out bytes.Buffer

	require.NoError(t, s.Serve(context.Background(), in, &out))

	got := decodeResponses(t, &out)
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"pong":true}`, string(got["a"].Result))
	assert.JSONEq(t, `{"name":"ipc-gateway","version":"1.2.3"}`, string(got["b"].Result))
	assert.Equal(t, msgNotImplemented, got["c"].Error)
}

func TestStream_MalformedLineIsRejected(t *testing.T) {
	s := newStubStream(t, StreamConfig{})
	in := strings.NewReader("{not json\n" + `{"id":"ok","session_id":"s","command":"ping"}` + "\n")
	var out bytes.Buffer

	require.NoError(t, s.Serve(context.Background(), in, &out))

	got := decodeResponses(t, &out)
	require.Len(t, got, 2)
	assert.Equal(t, decisionRejected, got[""].Decision)
	assert.Equal(t, msgBadRequest, got[""].Error)
	assert.Equal(t, "allow", got["ok"].Decision)
}

func TestStream_LineTooLong(t *testing.T) {
	s := newStubStream(t, StreamConfig{MaxLineBytes: 64})
	payload := strings.Repeat("x", 128)
	in := strings.NewReader(`{"id":"big","session_id":"s","command":"ping","payload":"` + payload + `"}` + "\n")
	var out bytes.Buffer

	err := s.Serve(context.Background(), in, &out)

	require.ErrorIs(t, err, bufio.ErrTooLong)
	assert.Contains(t, err.Error(), "exceeds 64 bytes")
}

func TestStream_CanceledContext(t *testing.T) {
	s := newStubStream(t, StreamConfig{MaxInFlight: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Fill the only slot so the select must observe cancellation.
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	in := strings.NewReader(`{"id":"a","session_id":"s","command":"ping"}` + "\n")
	err := s.Serve(ctx, in, &bytes.Buffer{})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestStream_EmptyInput(t *testing.T) {
	s := newStubStream(t, StreamConfig{})
	var out bytes.Buffer

	require.NoError(t, s.Serve(context.Background(), strings.NewReader(""), &out))
	assert.Zero(t, out.Len())
}

func TestNewStream_Defaults(t *testing.T) {
	s := newStubStream(t, StreamConfig{})

	assert.Equal(t, DefaultMaxLineBytes, s.maxLine)
	assert.Equal(t, DefaultMaxInFlight, cap(s.sem))
}
