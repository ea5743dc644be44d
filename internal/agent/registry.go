// Package agent tracks which delegate agents are currently healthy.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/taskrelay/internal/log"
)

const DefaultCacheSize = 1000

// Registry is a per-tenant read-through cache of agent projections. The cache
// lives for a third of the heartbeat window so a disconnect is noticed within
// roughly one heartbeat.
type Registry struct {
	source          Source
	maxHeartbeatAge time.Duration
	tenants         *expirable.LRU[string, []Snapshot]
	group           singleflight.Group
	now             func() time.Time
	logger          *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used for heartbeat classification.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(source Source, maxHeartbeatAge time.Duration, size int, opts ...Option) *Registry {
	if maxHeartbeatAge <= 0 {
		maxHeartbeatAge = DefaultMaxHeartbeatAge
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	r := &Registry{
		source:          source,
		maxHeartbeatAge: maxHeartbeatAge,
		tenants:         expirable.NewLRU[string, []Snapshot](size, nil, maxHeartbeatAge/3),
		now:             time.Now,
		logger:          log.WithComponent("agent-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ActiveAgentIDs returns the ids of ACTIVE agents in tenant. When ng is
// non-nil only agents on that plane are returned. Load failures are logged
// and yield an empty list.
func (r *Registry) ActiveAgentIDs(ctx context.Context, tenant string, ng *bool) []string {
	agents, err := r.load(ctx, tenant)
	if err != nil {
		r.logger.Error("failed to load agents", "tenant", tenant, "error", err)
		return nil
	}
	if len(agents) == 0 {
		// An empty tenant would otherwise stay empty for the full TTL after
		// its first agent registers.
		r.tenants.Remove(tenant)
	}

	now := r.now()
	var ids []string
	for _, a := range agents {
		if ng != nil && a.NG != *ng {
			continue
		}
		if Classify(a, now, r.maxHeartbeatAge) == ActivityActive {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Agent returns a single agent projection straight from the source.
func (r *Registry) Agent(ctx context.Context, tenant, id string) (*Snapshot, error) {
	return r.source.Get(ctx, tenant, id)
}

// Invalidate drops the tenant's cached list.
func (r *Registry) Invalidate(tenant string) {
	r.tenants.Remove(tenant)
}

func (r *Registry) load(ctx context.Context, tenant string) ([]Snapshot, error) {
	if agents, ok := r.tenants.Get(tenant); ok {
		return agents, nil
	}
	v, err, _ := r.group.Do(tenant, func() (any, error) {
		agents, err := r.source.ListNonDeleted(ctx, tenant)
		if err != nil {
			return nil, err
		}
		r.tenants.Add(tenant, agents)
		return agents, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Snapshot), nil
}
