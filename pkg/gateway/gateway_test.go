package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/ipc-gateway/pkg/audit"
	"github.com/txn2/ipc-gateway/pkg/clock"
	"github.com/txn2/ipc-gateway/pkg/policy"
	"github.com/txn2/ipc-gateway/pkg/ratelimit"
	"github.com/txn2/ipc-gateway/pkg/sanitize"
	"github.com/txn2/ipc-gateway/pkg/session"
)

const (
	gwTestMaxFailures = 5
	gwTestTimeout     = time.Hour
	cmdPing           = "ping"
	cmdSettings       = "get_settings"
	cmdSaveSettings   = "save_settings"
	cmdSystemExecute  = "system.execute"
	cmdBlocked        = "execute_system_command"
)

var gwTestEpoch = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

// recorder collects audit entries synchronously.
type recorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recorder) Record(e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) all() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.entries...)
}

func (r *recorder) last() audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

type harness struct {
	gw       *Gateway
	clock    *clock.Fake
	sessions *session.MemoryStore
	audit    *recorder
}

func newHarness(t *testing.T, limits ratelimit.Config) *harness {
	t.Helper()
	clk := clock.NewFake(gwTestEpoch)
	store := session.NewMemoryStore(session.Config{
		Timeout:     gwTestTimeout,
		MaxFailures: gwTestMaxFailures,
	}, session.WithClock(clk))
	san, err := sanitize.New(sanitize.Config{})
	require.NoError(t, err)
	rec := &recorder{}

	gw, err := New(Config{
		Rules:     policy.MustNewTable(policy.DefaultRules()),
		Sessions:  store,
		Limiter:   ratelimit.New(limits, clk),
		Sanitizer: san,
		Audit:     rec,
		Clock:     clk,
	})
	require.NoError(t, err)
	return &harness{gw: gw, clock: clk, sessions: store, audit: rec}
}

func (h *harness) session(t *testing.T, level policy.Level) string {
	t.Helper()
	sess, err := h.gw.CreateSession(context.Background(), level, "test")
	require.NoError(t, err)
	return sess.ID
}

func (h *harness) validate(id, command, payload string) Decision {
	return h.gw.Validate(context.Background(), id, command, json.RawMessage(payload))
}

func (h *harness) failures(t *testing.T, id string) int {
	t.Helper()
	sess, err := h.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	return sess.ConsecutiveFailures
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	for _, want := range []string{"rules", "session store", "rate limiter", "sanitizer", "audit"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_Allow(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelBasic)

	d := h.validate(id, cmdSettings, `{"theme":"dark"}`)
	assert.Equal(t, KindAllow, d.Kind)
	assert.True(t, d.Allowed())
	assert.Empty(t, d.PublicMessage())

	e := h.audit.last()
	assert.Equal(t, "allow", e.Decision)
	assert.Equal(t, audit.SeverityInfo, e.Severity)
	assert.Equal(t, id, e.SessionID)
	assert.Equal(t, cmdSettings, e.Command)
}

func TestValidate_AliasResolves(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelBasic)

	assert.Equal(t, KindAllow, h.validate(id, "health_check", "").Kind)
}

func TestValidate_SessionDenials(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})

	t.Run("missing", func(t *testing.T) {
		d := h.validate("", cmdPing, "")
		assert.Equal(t, KindDeniedSession, d.Kind)
		assert.ErrorIs(t, d.Err, ErrMissingSession)
	})

	t.Run("unknown", func(t *testing.T) {
		d := h.validate("forged-session-id", cmdPing, "")
		assert.Equal(t, KindDeniedSession, d.Kind)
		assert.ErrorIs(t, d.Err, session.ErrNotFound)
	})

	t.Run("revoked", func(t *testing.T) {
		id := h.session(t, policy.LevelAdmin)
		require.NoError(t, h.gw.RevokeSession(context.Background(), id))
		d := h.validate(id, cmdPing, "")
		assert.Equal(t, KindDeniedSession, d.Kind)
		assert.ErrorIs(t, d.Err, session.ErrRevoked)
	})

	t.Run("expired", func(t *testing.T) {
		id := h.session(t, policy.LevelAdmin)
		h.clock.Advance(gwTestTimeout + time.Second)
		d := h.validate(id, cmdPing, "")
		assert.Equal(t, KindDeniedSession, d.Kind)
		assert.ErrorIs(t, d.Err, session.ErrExpired)
		assert.Equal(t, audit.SeverityCritical, h.audit.last().Severity)

		// Expiry revokes: later calls report revocation.
		assert.ErrorIs(t, h.validate(id, cmdPing, "").Err, session.ErrRevoked)
	})
}

// failingStore simulates an unreachable session backend.
type failingStore struct {
	*session.MemoryStore
}

func (failingStore) Touch(context.Context, string) error {
	return errors.New("connection refused")
}

func TestValidate_SessionStoreFailureFailsClosed(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	h.gw.sessions = failingStore{h.sessions}
	id := h.session(t, policy.LevelAdmin)

	d := h.validate(id, cmdPing, "")
	assert.Equal(t, KindDeniedSession, d.Kind)
	assert.ErrorIs(t, d.Err, ErrSessionStoreUnavailable)
	assert.Len(t, h.audit.all(), 1)
}

// Property 1: after MaxFailures consecutive denials the session is revoked.
func TestValidate_RevokesAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelBasic)

	for i := 1; i < gwTestMaxFailures; i++ {
		d := h.validate(id, cmdSystemExecute, "")
		require.Equal(t, KindDeniedPolicy, d.Kind, "call %d", i)
	}
	d := h.validate(id, cmdSystemExecute, "")
	assert.Equal(t, KindDeniedSession, d.Kind)

	for _, cmd := range []string{cmdPing, cmdSettings, cmdSystemExecute} {
		assert.Equal(t, KindDeniedSession, h.validate(id, cmd, "").Kind, cmd)
	}
}

// Property 7: a Basic session calling system.execute five times is revoked
// on the fifth call, which reports the original denial.
func TestValidate_FifthPrivilegedCallRevokes(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelBasic)

	var kinds []Kind
	for range 5 {
		kinds = append(kinds, h.validate(id, cmdSystemExecute, "").Kind)
	}
	assert.Equal(t, []Kind{
		KindDeniedPolicy, KindDeniedPolicy, KindDeniedPolicy, KindDeniedPolicy, KindDeniedSession,
	}, kinds)

	last := h.audit.last()
	assert.Equal(t, "denied_session", last.Decision)
	assert.Equal(t, audit.SeverityCritical, last.Severity)
	assert.Contains(t, last.Detail, "insufficient permission")

	sess, err := h.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, sess.Revoked)
	assert.Equal(t, session.ReasonTooManyFailures, sess.RevokeReason)
}

func TestValidate_RevocationCarriesOriginalError(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelBasic)

	var d Decision
	for range gwTestMaxFailures {
		d = h.validate(id, cmdSystemExecute, "")
	}
	assert.ErrorIs(t, d.Err, session.ErrRevoked)
	assert.ErrorIs(t, d.Err, policy.ErrInsufficientPermission)
}

// Property 2: a single Allow resets the failure counter.
func TestValidate_AllowResetsFailures(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelBasic)

	for range gwTestMaxFailures - 1 {
		h.validate(id, cmdSystemExecute, "")
	}
	require.Equal(t, gwTestMaxFailures-1, h.failures(t, id))

	require.Equal(t, KindAllow, h.validate(id, cmdPing, "").Kind)
	assert.Zero(t, h.failures(t, id))

	for range gwTestMaxFailures - 1 {
		assert.Equal(t, KindDeniedPolicy, h.validate(id, cmdSystemExecute, "").Kind)
	}
}

// Property 3: exactly PerMinute admissions per window; the next is throttled.
func TestValidate_RateLimitPerMinute(t *testing.T) {
	h := newHarness(t, ratelimit.Config{PerMinute: 100})
	id := h.session(t, policy.LevelBasic)

	for i := range 100 {
		require.Equal(t, KindAllow, h.validate(id, cmdPing, "").Kind, "call %d", i+1)
		h.clock.Advance(500 * time.Millisecond)
	}

	d := h.validate(id, cmdPing, "")
	assert.Equal(t, KindRateLimited, d.Kind)
	assert.Positive(t, d.RetryAfter)
	assert.ErrorIs(t, d.Err, ratelimit.ErrWindowExceeded)
	assert.Equal(t, "rate limit exceeded, retry after 10s", d.PublicMessage())
}

func TestValidate_RateLimitedDoesNotCountAsFailure(t *testing.T) {
	h := newHarness(t, ratelimit.Config{PerMinute: 1})
	id := h.session(t, policy.LevelBasic)

	require.Equal(t, KindAllow, h.validate(id, cmdPing, "").Kind)
	for range gwTestMaxFailures * 2 {
		require.Equal(t, KindRateLimited, h.validate(id, cmdPing, "").Kind)
	}
	assert.Zero(t, h.failures(t, id))
}

func TestValidate_RateLimitPrecedesInputAndPolicy(t *testing.T) {
	h := newHarness(t, ratelimit.Config{PerMinute: 1})
	id := h.session(t, policy.LevelBasic)

	require.Equal(t, KindAllow, h.validate(id, cmdPing, "").Kind)
	assert.Equal(t, KindRateLimited, h.validate(id, cmdSystemExecute, `{"x":"<script>"}`).Kind)
}

func TestValidate_PerCommandRateLimit(t *testing.T) {
	h := newHarness(t, ratelimit.Config{PerMinute: 1000, BurstPerSecond: -1})
	id := h.session(t, policy.LevelElevated)

	rule, ok := h.gw.Rules().Lookup(cmdSaveSettings)
	require.True(t, ok)
	require.Positive(t, rule.RateLimitPerMinute)

	for range rule.RateLimitPerMinute {
		require.Equal(t, KindAllow, h.validate(id, cmdSaveSettings, `{"theme":"dark"}`).Kind)
	}
	d := h.validate(id, cmdSaveSettings, `{"theme":"dark"}`)
	assert.Equal(t, KindRateLimited, d.Kind)

	var we *ratelimit.WindowExceededError
	require.ErrorAs(t, d.Err, &we)
	assert.Equal(t, ratelimit.ScopeCommand, we.Scope)

	assert.Equal(t, KindAllow, h.validate(id, cmdSettings, "").Kind)
}

// Property 4: a script tag is rejected regardless of nesting.
func TestValidate_ScriptRejectedAtAnyDepth(t *testing.T) {
	payloads := []string{
		`{"content":"<script>"}`,
		`{"a":1,"b":true,"content":"hello <script>alert(1)</script>"}`,
		`{"outer":{"inner":[{"deep":"<script>"}]}}`,
		`["<script>"]`,
	}
	for _, p := range payloads {
		h := newHarness(t, ratelimit.Config{})
		id := h.session(t, policy.LevelAdmin)

		d := h.validate(id, cmdSettings, p)
		assert.Equal(t, KindDeniedInput, d.Kind, p)
		assert.ErrorIs(t, d.Err, sanitize.ErrDangerousPattern, p)
		assert.Equal(t, audit.SeverityCritical, h.audit.last().Severity)
	}
}

// Property 8: path traversal is rejected with the matched pattern recorded.
func TestValidate_PathTraversal(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelElevated)

	d := h.validate(id, "file_operations", `{"path":"../../etc/passwd"}`)
	assert.Equal(t, KindDeniedInput, d.Kind)

	var pe *sanitize.PatternError
	require.ErrorAs(t, d.Err, &pe)
	assert.Equal(t, "../", pe.Pattern)
	assert.Equal(t, "$.path", pe.FieldPath)

	assert.Contains(t, h.audit.last().Detail, `"../"`)
	assert.Equal(t, "invalid input", d.PublicMessage())
	assert.NotContains(t, d.PublicMessage(), "../")
}

func TestValidate_InputPrecedesPolicy(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelBasic)

	d := h.validate(id, "not_a_command", `{"cmd":"sudo rm -rf /"}`)
	assert.Equal(t, KindDeniedInput, d.Kind)
}

func TestValidate_MalformedPayload(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelBasic)

	d := h.validate(id, cmdSettings, `{"theme":`)
	assert.Equal(t, KindDeniedInput, d.Kind)
	assert.ErrorIs(t, d.Err, sanitize.ErrMalformedPayload)
	assert.Equal(t, audit.SeverityWarning, h.audit.last().Severity)
}

// Property 5: unknown commands are denied at every level.
func TestValidate_UnknownCommandDeniedForAdmin(t *testing.T) {
	h := newHarness(t, ratelimit.Config{BurstPerSecond: -1})
	id := h.session(t, policy.LevelAdmin)

	for _, cmd := range []string{"drop_database", "", "PING", "ping ", "system.execute\x00"} {
		d := h.validate(id, cmd, "")
		assert.Equal(t, KindDeniedPolicy, d.Kind, "%q", cmd)
		assert.ErrorIs(t, d.Err, policy.ErrUnknownCommand, "%q", cmd)
		require.Equal(t, KindAllow, h.validate(id, cmdPing, "").Kind)
	}
}

func TestValidate_BlockedCommandDeniedForAdmin(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelAdmin)

	d := h.validate(id, cmdBlocked, "")
	assert.Equal(t, KindDeniedPolicy, d.Kind)
	assert.ErrorIs(t, d.Err, policy.ErrBlocked)
	assert.Equal(t, "command not permitted", d.PublicMessage())
}

func TestValidate_PermissionLevels(t *testing.T) {
	tests := []struct {
		level   policy.Level
		command string
		want    Kind
	}{
		{policy.LevelBasic, cmdSettings, KindAllow},
		{policy.LevelBasic, cmdSaveSettings, KindDeniedPolicy},
		{policy.LevelElevated, cmdSaveSettings, KindAllow},
		{policy.LevelElevated, cmdSystemExecute, KindDeniedPolicy},
		{policy.LevelAdmin, cmdSystemExecute, KindAllow},
		{policy.LevelAdmin, cmdSettings, KindAllow},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.level, tt.command), func(t *testing.T) {
			h := newHarness(t, ratelimit.Config{})
			id := h.session(t, tt.level)
			assert.Equal(t, tt.want, h.validate(id, tt.command, "").Kind)
		})
	}
}

// Property 6: the decision kind is stable while state is unchanged.
func TestValidate_Idempotent(t *testing.T) {
	h := newHarness(t, ratelimit.Config{BurstPerSecond: -1})
	basic := h.session(t, policy.LevelBasic)
	other := h.session(t, policy.LevelBasic)

	for range 10 {
		assert.Equal(t, KindAllow, h.validate(basic, cmdSettings, `{"k":"v"}`).Kind)
	}
	assert.Equal(t,
		h.validate(basic, cmdSaveSettings, "").Kind,
		h.validate(other, cmdSaveSettings, "").Kind)
}

func TestValidate_ExactlyOneAuditEntryPerCall(t *testing.T) {
	h := newHarness(t, ratelimit.Config{PerMinute: 3})
	id := h.session(t, policy.LevelBasic)

	calls := []struct{ cmd, payload string }{
		{cmdPing, ""},
		{cmdSystemExecute, ""},
		{cmdSettings, `{"p":"../x"}`},
		{cmdPing, ""},
		{"", ""},
	}
	for _, c := range calls {
		h.validate(id, c.cmd, c.payload)
	}
	h.validate("", cmdPing, "")

	entries := h.audit.all()
	require.Len(t, entries, len(calls)+1)
	assert.Equal(t, []string{"allow", "denied_policy", "denied_input", "rate_limited", "rate_limited", "denied_session"},
		decisions(entries))
}

func decisions(entries []audit.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Decision
	}
	return out
}

func TestValidate_ConcurrentSessionsIndependent(t *testing.T) {
	const (
		sessions = 16
		calls    = 8
	)
	h := newHarness(t, ratelimit.Config{PerMinute: calls, BurstPerSecond: calls, GlobalPerMinute: -1})

	ids := make([]string, sessions)
	for i := range ids {
		ids[i] = h.session(t, policy.LevelBasic)
	}

	var wg sync.WaitGroup
	results := make([][]Kind, sessions)
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range calls {
				results[i] = append(results[i], h.validate(id, cmdPing, "").Kind)
			}
		}()
	}
	wg.Wait()

	for i := range ids {
		for j, k := range results[i] {
			assert.Equal(t, KindAllow, k, "session %d call %d", i, j)
		}
	}
	assert.Len(t, h.audit.all(), sessions*calls)
}

func TestValidate_WithAuditLogger(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	sink := audit.NewMemorySink(0)
	logger := audit.NewLogger(sink, audit.Config{})
	h.gw.audit = logger
	id := h.session(t, policy.LevelBasic)

	h.validate(id, cmdPing, "")
	h.validate(id, cmdSystemExecute, "")
	require.NoError(t, logger.Close())

	recent := sink.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "denied_policy", recent[0].Decision)
	assert.Equal(t, "allow", recent[1].Decision)
}

func TestRevokeSession(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelAdmin)

	require.NoError(t, h.gw.RevokeSession(context.Background(), id))
	e := h.audit.last()
	assert.Equal(t, "session_revoked", e.Decision)
	assert.Equal(t, audit.SeverityCritical, e.Severity)

	err := h.gw.RevokeSession(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSetSessionLevel(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	ctx := context.Background()
	id := h.session(t, policy.LevelBasic)

	assert.Equal(t, KindDeniedPolicy, h.validate(id, cmdSaveSettings, "").Kind)

	sess, err := h.gw.SetSessionLevel(ctx, id, policy.LevelElevated)
	require.NoError(t, err)
	assert.Equal(t, policy.LevelElevated, sess.Level)

	e := h.audit.last()
	assert.Equal(t, "session_level_changed", e.Decision)
	assert.Equal(t, "basic -> elevated", e.Detail)
	assert.Equal(t, audit.SeverityWarning, e.Severity)
	assert.Equal(t, id, e.SessionID)

	assert.Equal(t, KindAllow, h.validate(id, cmdSaveSettings, "").Kind)

	// Lowering takes effect on the next call.
	_, err = h.gw.SetSessionLevel(ctx, id, policy.LevelBasic)
	require.NoError(t, err)
	assert.Equal(t, KindDeniedPolicy, h.validate(id, cmdSaveSettings, "").Kind)
}

func TestSetSessionLevel_Rejected(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	ctx := context.Background()
	id := h.session(t, policy.LevelBasic)

	_, err := h.gw.SetSessionLevel(ctx, "missing", policy.LevelAdmin)
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = h.gw.SetSessionLevel(ctx, id, policy.Level(4))
	assert.Error(t, err)

	require.NoError(t, h.gw.RevokeSession(ctx, id))
	recorded := len(h.audit.all())
	_, err = h.gw.SetSessionLevel(ctx, id, policy.LevelAdmin)
	assert.ErrorIs(t, err, session.ErrRevoked)
	assert.Len(t, h.audit.all(), recorded)
}

func TestAvailableCommands(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	ctx := context.Background()
	basic := h.session(t, policy.LevelBasic)
	admin := h.session(t, policy.LevelAdmin)

	names := func(rules []policy.Rule) []string {
		out := make([]string, 0, len(rules))
		for _, r := range rules {
			out = append(out, r.Name)
		}
		return out
	}

	basicRules, err := h.gw.AvailableCommands(ctx, basic)
	require.NoError(t, err)
	assert.Contains(t, names(basicRules), cmdPing)
	assert.NotContains(t, names(basicRules), cmdSaveSettings)
	assert.NotContains(t, names(basicRules), cmdBlocked)

	adminRules, err := h.gw.AvailableCommands(ctx, admin)
	require.NoError(t, err)
	assert.Contains(t, names(adminRules), cmdSystemExecute)
	assert.NotContains(t, names(adminRules), cmdBlocked)

	// Every listed command passes the policy stage.
	for _, r := range basicRules {
		assert.NoError(t, h.gw.Rules().Authorize(r.Name, policy.LevelBasic), r.Name)
	}

	_, err = h.gw.AvailableCommands(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)

	require.NoError(t, h.gw.RevokeSession(ctx, basic))
	_, err = h.gw.AvailableCommands(ctx, basic)
	assert.ErrorIs(t, err, session.ErrRevoked)
}

func TestRateLimitStatusAndReset(t *testing.T) {
	h := newHarness(t, ratelimit.Config{PerMinute: 2, BurstPerSecond: -1})
	id := h.session(t, policy.LevelBasic)

	assert.False(t, h.gw.RateLimitStatus(id).Tracked)

	h.validate(id, cmdPing, "")
	h.validate(id, cmdPing, "")
	assert.Equal(t, KindRateLimited, h.validate(id, cmdPing, "").Kind)

	st := h.gw.RateLimitStatus(id)
	assert.True(t, st.Tracked)
	require.NotEmpty(t, st.Windows)
	assert.Equal(t, ratelimit.ScopeSession, st.Windows[0].Scope)
	assert.Equal(t, 0, st.Windows[0].Remaining)

	assert.True(t, h.gw.ResetRateLimit(id))
	e := h.audit.last()
	assert.Equal(t, "rate_limit_reset", e.Decision)
	assert.Equal(t, id, e.SessionID)

	assert.Equal(t, KindAllow, h.validate(id, cmdPing, "").Kind)
	assert.False(t, h.gw.ResetRateLimit("missing"))
}

func TestCreateSession_InvalidLevel(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	_, err := h.gw.CreateSession(context.Background(), policy.Level(7), "")
	assert.Error(t, err)
}

func TestListSessions(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	a := h.session(t, policy.LevelBasic)
	b := h.session(t, policy.LevelBasic)
	require.NoError(t, h.gw.RevokeSession(context.Background(), b))

	list, err := h.gw.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a, list[0].ID)
}

func TestStats(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelBasic)
	h.session(t, policy.LevelBasic)

	h.validate(id, cmdPing, "")
	h.validate(id, cmdSystemExecute, "")
	h.validate(id, cmdSettings, `{"x":"$(id)"}`)

	st, err := h.gw.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Sessions.Active)
	assert.Equal(t, uint64(1), st.Decisions["allow"])
	assert.Equal(t, uint64(1), st.Decisions["denied_policy"])
	assert.Equal(t, uint64(1), st.Decisions["denied_input"])
	assert.Zero(t, st.Decisions["rate_limited"])
	assert.Equal(t, uint64(3), st.RateLimit.Admitted)
	assert.Positive(t, st.Commands["blocked"])
	assert.Nil(t, st.Audit, "test recorder exposes no stats")
}

func TestStats_IncludesAuditCounters(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	logger := audit.NewLogger(audit.NewMemorySink(0), audit.Config{})
	defer func() { _ = logger.Close() }()
	h.gw.audit = logger

	h.validate("", cmdPing, "")

	st, err := h.gw.Stats(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Audit)
	assert.Equal(t, uint64(1), st.Audit.Recorded)
}

func TestPublicMessage_NeverEchoesDetail(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelAdmin)

	d := h.validate(id, cmdSettings, `{"x":"javascript:alert(document.cookie)"}`)
	require.Equal(t, KindDeniedInput, d.Kind)
	assert.NotContains(t, strings.ToLower(d.PublicMessage()), "javascript")
	assert.Contains(t, d.Reason, "javascript:")
}

// revokingStore revokes the session between the session stage and the
// success bookkeeping, as a concurrent call would.
type revokingStore struct {
	*session.MemoryStore
}

func (s revokingStore) RecordSuccess(ctx context.Context, id string) error {
	if err := s.Revoke(ctx, id, session.ReasonOperator); err != nil {
		return err
	}
	return s.MemoryStore.RecordSuccess(ctx, id)
}

func TestValidate_RevokedBeforeSuccessIsDenied(t *testing.T) {
	h := newHarness(t, ratelimit.Config{})
	id := h.session(t, policy.LevelBasic)

	san, err := sanitize.New(sanitize.Config{})
	require.NoError(t, err)
	gw, err := New(Config{
		Rules:     policy.MustNewTable(policy.DefaultRules()),
		Sessions:  revokingStore{h.sessions},
		Limiter:   ratelimit.New(ratelimit.Config{}, h.clock),
		Sanitizer: san,
		Audit:     h.audit,
		Clock:     h.clock,
	})
	require.NoError(t, err)

	d := gw.Validate(context.Background(), id, cmdPing, nil)

	assert.Equal(t, KindDeniedSession, d.Kind)
	assert.ErrorIs(t, d.Err, session.ErrRevoked)
	assert.Equal(t, "denied_session", h.audit.last().Decision)

	d = gw.Validate(context.Background(), id, cmdPing, nil)
	assert.Equal(t, KindDeniedSession, d.Kind)
}
