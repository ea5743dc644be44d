package eligibility

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/taskrelay/internal/log"
)

const (
	DefaultCacheSize = 10000
	DefaultCacheTTL  = 2 * time.Minute
)

type cacheKey struct{ agentID, criterion string }

// Cache is a bounded read-through cache over a Source. Entries expire after a
// fixed absolute TTL regardless of polarity; absent results are cached too.
// The polarity-specific trust windows are applied by Policy, not here.
type Cache struct {
	source Source
	lru    *expirable.LRU[cacheKey, *Result]
	group  singleflight.Group
	logger *slog.Logger
}

func NewCache(source Source, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		source: source,
		lru:    expirable.NewLRU[cacheKey, *Result](size, nil, ttl),
		logger: log.WithComponent("eligibility-cache"),
	}
}

// Get returns the cached result, loading it on a miss. (nil, nil) means no
// result exists. Load errors are returned and not cached.
func (c *Cache) Get(ctx context.Context, agentID, criterion string) (*Result, error) {
	k := cacheKey{agentID, criterion}
	if r, ok := c.lru.Get(k); ok {
		return r, nil
	}

	v, err, _ := c.group.Do(agentID+"\x00"+criterion, func() (any, error) {
		r, err := c.source.Find(ctx, agentID, criterion)
		if err != nil {
			return nil, err
		}
		c.lru.Add(k, r)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load validation result %s/%s: %w", agentID, criterion, err)
	}
	return v.(*Result), nil
}

// Invalidate drops a cached entry so the next Get reloads it.
func (c *Cache) Invalidate(agentID, criterion string) {
	c.lru.Remove(cacheKey{agentID, criterion})
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Record writes r through w and drops the stale cache entry, so the agent that
// just reported sees its own result on its next poll.
func (c *Cache) Record(ctx context.Context, w Writer, r Result) error {
	if err := w.Record(ctx, r); err != nil {
		return err
	}
	c.Invalidate(r.AgentID, r.Criterion)
	c.logger.Debug("validation result recorded",
		"agent_id", r.AgentID, "criterion", r.Criterion, "validated", r.Validated)
	return nil
}

// Recorder binds a Writer to the cache so callers can record results
// without holding both.
type Recorder struct {
	cache  *Cache
	writer Writer
}

func (c *Cache) Recorder(w Writer) *Recorder {
	return &Recorder{cache: c, writer: w}
}

func (r *Recorder) Record(ctx context.Context, res Result) error {
	return r.cache.Record(ctx, r.writer, res)
}
