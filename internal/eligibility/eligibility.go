// Package eligibility caches per-(agent, criterion) validation results and
// decides when a result is too old to trust.
package eligibility

import (
	"context"
	"time"
)

const (
	// DefaultWhitelistTTL is how long a positive result is trusted.
	DefaultWhitelistTTL = 6 * time.Hour
	// DefaultBlacklistTTL is how long a negative result is trusted. Negatives
	// decay faster so a recovered agent is retried sooner.
	DefaultBlacklistTTL = 5 * time.Minute
)

// Result is the outcome of an agent-side capability probe.
type Result struct {
	AgentID       string    `json:"agent_id"`
	Criterion     string    `json:"criterion"`
	Validated     bool      `json:"validated"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Source reads validation results. A missing result is (nil, nil).
type Source interface {
	Find(ctx context.Context, agentID, criterion string) (*Result, error)
}

// Writer persists validation results reported by agents.
type Writer interface {
	Record(ctx context.Context, r Result) error
}

// Policy holds the asymmetric trust windows.
type Policy struct {
	WhitelistTTL time.Duration
	BlacklistTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{WhitelistTTL: DefaultWhitelistTTL, BlacklistTTL: DefaultBlacklistTTL}
}

// ShouldRevalidate reports whether the agent must probe the criterion again.
// A result of age exactly TTL is already stale.
func (p Policy) ShouldRevalidate(r *Result, now time.Time) bool {
	if r == nil {
		return true
	}
	age := now.Sub(r.LastUpdatedAt)
	if r.Validated {
		return age >= p.WhitelistTTL
	}
	return age >= p.BlacklistTTL
}

// Whitelisted reports whether r is a positive result still inside the whitelist window.
func (p Policy) Whitelisted(r *Result, now time.Time) bool {
	return r != nil && r.Validated && now.Sub(r.LastUpdatedAt) < p.WhitelistTTL
}
