package gateway

import (
	"context"
	"fmt"

	"github.com/txn2/ipc-gateway/pkg/audit"
	"github.com/txn2/ipc-gateway/pkg/ratelimit"
	"github.com/txn2/ipc-gateway/pkg/session"
)

// Stats summarizes gateway state for operators.
type Stats struct {
	Sessions  session.Stats     `json:"sessions"`
	RateLimit ratelimit.Stats   `json:"rate_limit"`
	Audit     *audit.Stats      `json:"audit,omitempty"`
	Commands  map[string]int    `json:"commands"`
	Decisions map[string]uint64 `json:"decisions"`
}

// auditStatser is implemented by recorders that expose counters.
type auditStatser interface {
	Stats() audit.Stats
}

// Stats aggregates session, limiter, audit and command table statistics.
func (g *Gateway) Stats(ctx context.Context) (Stats, error) {
	sessions, err := g.sessions.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("collecting session stats: %w", err)
	}

	st := Stats{
		Sessions:  sessions,
		RateLimit: g.limiter.Stats(),
		Commands:  g.rules.Counts(),
		Decisions: make(map[string]uint64, len(kindNames)),
	}
	for _, k := range Kinds() {
		st.Decisions[k.String()] = g.decisions[k].Load()
	}
	if s, ok := g.audit.(auditStatser); ok {
		as := s.Stats()
		st.Audit = &as
	}
	return st, nil
}
