package eligibility

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taskrelay/internal/storage"
)

var t0 = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

func TestShouldRevalidateAbsent(t *testing.T) {
	assert.True(t, DefaultPolicy().ShouldRevalidate(nil, t0))
}

func TestShouldRevalidateWhitelistWindow(t *testing.T) {
	p := DefaultPolicy()
	r := &Result{Validated: true, LastUpdatedAt: t0}

	for _, d := range []time.Duration{0, time.Minute, 5*time.Hour + 59*time.Minute, 6*time.Hour - time.Nanosecond} {
		assert.False(t, p.ShouldRevalidate(r, t0.Add(d)), "positive result at +%s should be trusted", d)
	}
	for _, d := range []time.Duration{6 * time.Hour, 6*time.Hour + time.Second, 48 * time.Hour} {
		assert.True(t, p.ShouldRevalidate(r, t0.Add(d)), "positive result at +%s should be stale", d)
	}
}

func TestShouldRevalidateBlacklistWindow(t *testing.T) {
	p := DefaultPolicy()
	r := &Result{Validated: false, LastUpdatedAt: t0}

	for _, d := range []time.Duration{0, time.Minute, 5*time.Minute - time.Nanosecond} {
		assert.False(t, p.ShouldRevalidate(r, t0.Add(d)), "negative result at +%s should be trusted", d)
	}
	for _, d := range []time.Duration{5 * time.Minute, 6 * time.Minute, time.Hour} {
		assert.True(t, p.ShouldRevalidate(r, t0.Add(d)), "negative result at +%s should be stale", d)
	}
}

// A stale negative result asks the agent to revalidate instead of exiling it.
func TestStaleBlacklistTriggersRevalidation(t *testing.T) {
	now := t0
	r := &Result{AgentID: "a1", Criterion: "k8s-connect", Validated: false, LastUpdatedAt: now.Add(-6 * time.Minute)}
	assert.True(t, DefaultPolicy().ShouldRevalidate(r, now))
}

func TestWhitelisted(t *testing.T) {
	p := DefaultPolicy()
	assert.False(t, p.Whitelisted(nil, t0))
	assert.False(t, p.Whitelisted(&Result{Validated: false, LastUpdatedAt: t0}, t0))
	assert.True(t, p.Whitelisted(&Result{Validated: true, LastUpdatedAt: t0}, t0.Add(time.Hour)))
	assert.False(t, p.Whitelisted(&Result{Validated: true, LastUpdatedAt: t0}, t0.Add(6*time.Hour)))
}

type countingSource struct {
	calls   atomic.Int32
	mu      sync.Mutex
	results map[cacheKey]*Result
	err     error
	delay   time.Duration
}

func (s *countingSource) Find(_ context.Context, agentID, criterion string) (*Result, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[cacheKey{agentID, criterion}], nil
}

func (s *countingSource) Record(_ context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = make(map[cacheKey]*Result)
	}
	s.results[cacheKey{r.AgentID, r.Criterion}] = &r
	return nil
}

func TestCacheServesHitsWithoutReloading(t *testing.T) {
	src := &countingSource{results: map[cacheKey]*Result{
		{"a1", "k8s"}: {AgentID: "a1", Criterion: "k8s", Validated: true, LastUpdatedAt: t0},
	}}
	c := NewCache(src, 10, time.Minute)

	for i := 0; i < 3; i++ {
		r, err := c.Get(context.Background(), "a1", "k8s")
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.True(t, r.Validated)
	}
	assert.EqualValues(t, 1, src.calls.Load())
}

func TestCacheRemembersAbsence(t *testing.T) {
	src := &countingSource{}
	c := NewCache(src, 10, time.Minute)

	for i := 0; i < 2; i++ {
		r, err := c.Get(context.Background(), "a1", "k8s")
		require.NoError(t, err)
		assert.Nil(t, r)
	}
	assert.EqualValues(t, 1, src.calls.Load())
}

func TestCacheDoesNotCacheErrors(t *testing.T) {
	src := &countingSource{err: errors.New("db down")}
	c := NewCache(src, 10, time.Minute)

	_, err := c.Get(context.Background(), "a1", "k8s")
	require.Error(t, err)
	_, err = c.Get(context.Background(), "a1", "k8s")
	require.Error(t, err)
	assert.EqualValues(t, 2, src.calls.Load())
	assert.Zero(t, c.Len())
}

func TestCacheCollapsesConcurrentLoads(t *testing.T) {
	src := &countingSource{delay: 50 * time.Millisecond}
	c := NewCache(src, 10, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Get(context.Background(), "a1", "k8s")
		}()
	}
	wg.Wait()
	assert.Less(t, src.calls.Load(), int32(8))
}

func TestCacheExpiresEntries(t *testing.T) {
	src := &countingSource{}
	c := NewCache(src, 10, 20*time.Millisecond)

	_, err := c.Get(context.Background(), "a1", "k8s")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = c.Get(context.Background(), "a1", "k8s")
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestCacheRecordInvalidates(t *testing.T) {
	src := &countingSource{}
	c := NewCache(src, 10, time.Minute)
	ctx := context.Background()

	r, err := c.Get(ctx, "a1", "k8s")
	require.NoError(t, err)
	require.Nil(t, r)

	require.NoError(t, c.Record(ctx, src, Result{AgentID: "a1", Criterion: "k8s", Validated: true, LastUpdatedAt: t0}))

	r, err = c.Get(ctx, "a1", "k8s")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Validated)
}

func TestSQLiteSourceRoundTrip(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	src := NewSQLiteSource(db)
	ctx := context.Background()

	got, err := src.Find(ctx, "a1", "k8s")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, src.Record(ctx, Result{AgentID: "a1", Criterion: "k8s", Validated: false, LastUpdatedAt: t0}))
	require.NoError(t, src.Record(ctx, Result{AgentID: "a1", Criterion: "k8s", Validated: true, LastUpdatedAt: t0.Add(time.Minute)}))

	got, err = src.Find(ctx, "a1", "k8s")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Validated)
	assert.True(t, got.LastUpdatedAt.Equal(t0.Add(time.Minute)))

	assert.Error(t, src.Record(ctx, Result{AgentID: "a1"}))
}
