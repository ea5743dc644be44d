package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taskrelay/internal/agent"
	"github.com/mattjoyce/taskrelay/internal/capability"
	"github.com/mattjoyce/taskrelay/internal/eligibility"
	"github.com/mattjoyce/taskrelay/internal/events"
	"github.com/mattjoyce/taskrelay/internal/log"
	"github.com/mattjoyce/taskrelay/internal/selectionlog"
	"github.com/mattjoyce/taskrelay/internal/storage"
	"github.com/mattjoyce/taskrelay/internal/task"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text")
	os.Exit(m.Run())
}

const tenant = "acct-1"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness wires the real store, caches and evaluator over one SQLite file.
type harness struct {
	ctx      context.Context
	clock    *fakeClock
	store    *task.Store
	agents   *agent.SQLiteSource
	results  *eligibility.SQLiteSource
	cache    *eligibility.Cache
	batcher  *selectionlog.Batcher
	sink     *selectionlog.SQLiteSink
	hub      *events.Hub
	metrics  *Metrics
	registry *agent.Registry
	coord    *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		ctx:     ctx,
		clock:   &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
		agents:  agent.NewSQLiteSource(db),
		results: eligibility.NewSQLiteSource(db),
		sink:    selectionlog.NewSQLiteSink(db),
		hub:     events.NewHub(64),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	h.store = task.NewStore(task.NewSQLiteBackend(db), task.WithClock(h.clock.Now))
	h.cache = eligibility.NewCache(h.results, 0, 0)
	h.registry = agent.NewRegistry(h.agents, 0, 0, agent.WithClock(h.clock.Now))
	h.batcher = selectionlog.NewBatcher(selectionlog.Config{}, []selectionlog.Sink{h.sink})
	eval := capability.NewEvaluator(h.cache, h.registry, eligibility.DefaultPolicy(), capability.WithClock(h.clock.Now))
	h.coord = h.newCoordinator(h.store, eval)
	return h
}

func (h *harness) newCoordinator(store TaskStore, eval Evaluator) *Coordinator {
	return New(store, h.registry, eval,
		WithSelectionLog(h.batcher),
		WithEvents(h.hub),
		WithMetrics(h.metrics),
	)
}

func (h *harness) evaluator() *capability.Evaluator {
	return capability.NewEvaluator(h.cache, h.registry, eligibility.DefaultPolicy(), capability.WithClock(h.clock.Now))
}

func (h *harness) register(t *testing.T, id string, status agent.Status) {
	t.Helper()
	require.NoError(t, h.agents.Upsert(h.ctx, agent.Snapshot{
		Tenant:        tenant,
		ID:            id,
		Name:          "delegate-" + id,
		Status:        status,
		LastHeartbeat: h.clock.Now(),
	}))
	h.registry.Invalidate(tenant)
}

func (h *harness) enqueue(t *testing.T, criteria ...string) *task.Task {
	t.Helper()
	var caps []task.Capability
	for _, c := range criteria {
		caps = append(caps, task.Capability{Type: "SOCKET", Criterion: c, Mode: task.ModeAgent})
	}
	caps = append(caps, task.Capability{Type: "SECRET_MANAGER", Criterion: "vault", Mode: task.ModeManager})
	tk, err := h.store.Enqueue(h.ctx, task.EnqueueRequest{
		Tenant: tenant,
		Definition: task.Definition{
			Capabilities:      caps,
			Timeout:           10 * time.Minute,
			Payload:           task.Payload{Type: "SHELL", Parameters: map[string]any{"script": "echo hi"}},
			EncryptionConfigs: []byte(`{"kms":"local"}`),
			SecretDetails:     []byte(`[{"id":"s1"}]`),
		},
	})
	require.NoError(t, err)
	return tk
}

func (h *harness) record(t *testing.T, agentID, criterion string, validated bool, at time.Time) {
	t.Helper()
	require.NoError(t, h.cache.Record(h.ctx, h.results, eligibility.Result{
		AgentID: agentID, Criterion: criterion, Validated: validated, LastUpdatedAt: at,
	}))
}

func (h *harness) acquire(t *testing.T, agentID, instanceID, taskID string) Result {
	t.Helper()
	res, err := h.coord.Acquire(h.ctx, Request{Tenant: tenant, AgentID: agentID, InstanceID: instanceID, TaskID: taskID})
	require.NoError(t, err)
	return res
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, ev := range h.hub.SnapshotSince(0, tenant) {
		out = append(out, ev.Type)
	}
	return out
}

func TestScenarioValidateThenClaim(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1", agent.StatusEnabled)
	t1 := h.enqueue(t, "k8s-connect")

	res := h.acquire(t, "a1", "i1", t1.ID)
	assert.Equal(t, OutcomeValidating, res.Outcome)
	assert.Equal(t, t1.ID, res.Package.TaskID)
	assert.Nil(t, res.Package.Payload, "validate-only package carries no payload")
	require.Len(t, res.Package.ExecutionCapabilities, 1)
	assert.Equal(t, "k8s-connect", res.Package.ExecutionCapabilities[0].Criterion)

	stored, err := h.store.Get(h.ctx, tenant, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, stored.Status)
	assert.Equal(t, []string{"a1"}, stored.ValidatingAgentIDs)
	assert.True(t, stored.Unassigned())

	h.record(t, "a1", "k8s-connect", true, h.clock.Now())

	res = h.acquire(t, "a1", "i1", t1.ID)
	require.Equal(t, OutcomeAssigned, res.Outcome)
	assert.False(t, res.Replay)
	require.NotNil(t, res.Package.Payload)
	assert.Equal(t, "SHELL", res.Package.Payload.Type)
	assert.Equal(t, "echo hi", res.Package.Payload.Parameters["script"])
	assert.JSONEq(t, `{"kms":"local"}`, string(res.Package.EncryptionConfigs))
	assert.JSONEq(t, `[{"id":"s1"}]`, string(res.Package.SecretDetails))
	assert.Empty(t, res.Package.LogStreamingToken)

	stored, err = h.store.Get(h.ctx, tenant, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusStarted, stored.Status)
	assert.Equal(t, "a1", stored.AssignedAgentID)
	assert.Equal(t, "i1", stored.AssignedInstanceID)
	assert.Empty(t, stored.ValidatingAgentIDs, "validation tracking cleared before claim")
	assert.True(t, stored.Expiry.Equal(h.clock.Now().Add(10*time.Minute)))

	assert.Equal(t, 1, h.batcher.Pending())
	h.batcher.Flush(h.ctx)
	logs, err := h.sink.ForTask(h.ctx, tenant, t1.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "a1", logs[0].AgentID)

	assert.Equal(t, []string{events.TaskValidating, events.TaskAssigned}, h.eventTypes())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Acquire.WithLabelValues(string(OutcomeValidating))))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Acquire.WithLabelValues(string(OutcomeAssigned))))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ValidationStarted))
}

// racingStore lets another poll commit its claim between this poll's read
// and its own claim.
type racingStore struct {
	TaskStore
	once        sync.Once
	beforeClaim func()
}

func (s *racingStore) Claim(ctx context.Context, t *task.Task, agentID, instanceID string) (*task.Task, error) {
	s.once.Do(s.beforeClaim)
	return s.TaskStore.Claim(ctx, t, agentID, instanceID)
}

func TestScenarioLostRace(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1", agent.StatusEnabled)
	h.register(t, "a2", agent.StatusEnabled)
	t1 := h.enqueue(t, "k8s-connect")
	h.record(t, "a1", "k8s-connect", true, h.clock.Now())
	h.record(t, "a2", "k8s-connect", true, h.clock.Now())

	var winner Result
	racing := &racingStore{TaskStore: h.store, beforeClaim: func() {
		winner = h.acquire(t, "a1", "i1", t1.ID)
	}}
	loserCoord := h.newCoordinator(racing, h.evaluator())

	res, err := loserCoord.Acquire(h.ctx, Request{Tenant: tenant, AgentID: "a2", InstanceID: "i2", TaskID: t1.ID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssigned, winner.Outcome)
	assert.Equal(t, OutcomeLostRace, res.Outcome)
	assert.True(t, res.Package.Empty())

	stored, err := h.store.Get(h.ctx, tenant, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1", stored.AssignedAgentID)
	assert.Contains(t, h.eventTypes(), events.TaskLostRace)
}

func TestScenarioStaleBlacklistRevalidates(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1", agent.StatusEnabled)
	t2 := h.enqueue(t, "k8s-connect")
	h.record(t, "a1", "k8s-connect", false, h.clock.Now().Add(-6*time.Minute))

	res := h.acquire(t, "a1", "i1", t2.ID)
	assert.Equal(t, OutcomeValidating, res.Outcome, "stale negative is retried, not exiled")
}

func TestFreshBlacklistRejects(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1", agent.StatusEnabled)
	tk := h.enqueue(t, "k8s-connect")
	h.record(t, "a1", "k8s-connect", false, h.clock.Now().Add(-time.Minute))

	res := h.acquire(t, "a1", "i1", tk.ID)
	assert.Equal(t, OutcomeBlacklisted, res.Outcome)
	assert.True(t, res.Package.Empty())
	assert.Equal(t, "a1", res.Package.AgentID)

	stored, err := h.store.Get(h.ctx, tenant, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, stored.Status)
	assert.Equal(t, []string{events.TaskBlacklisted}, h.eventTypes())
}

func TestReplayReturnsSameAssignment(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1", agent.StatusEnabled)
	tk := h.enqueue(t, "k8s-connect")
	h.record(t, "a1", "k8s-connect", true, h.clock.Now())

	first := h.acquire(t, "a1", "i1", tk.ID)
	require.Equal(t, OutcomeAssigned, first.Outcome)

	again := h.acquire(t, "a1", "i1", tk.ID)
	assert.Equal(t, OutcomeAssigned, again.Outcome)
	assert.True(t, again.Replay)
	assert.Equal(t, first.Package.TaskID, again.Package.TaskID)
	assert.Equal(t, 1, h.batcher.Pending(), "replay is not logged twice")

	other := h.acquire(t, "a1", "i2", tk.ID)
	assert.Equal(t, OutcomeUnavailable, other.Outcome, "another instance of the same agent does not replay")
}

func TestConcurrentPollsAssignOnce(t *testing.T) {
	h := newHarness(t)
	const pollers = 8
	ids := make([]string, pollers)
	for i := range ids {
		ids[i] = "agent-" + string(rune('a'+i))
		h.register(t, ids[i], agent.StatusEnabled)
	}
	tk := h.enqueue(t, "k8s-connect")
	for _, id := range ids {
		h.record(t, id, "k8s-connect", true, h.clock.Now())
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := h.coord.Acquire(h.ctx, Request{Tenant: tenant, AgentID: id, InstanceID: id + "-1", TaskID: tk.ID})
			if err != nil {
				t.Errorf("acquire by %s: %v", id, err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeAssigned])
	assert.Equal(t, pollers-1, outcomes[OutcomeLostRace]+outcomes[OutcomeUnavailable])
}

func TestDisabledAgentGetsNothing(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1", agent.StatusDisabled)
	tk := h.enqueue(t, "k8s-connect")

	res := h.acquire(t, "a1", "i1", tk.ID)
	assert.Equal(t, OutcomeUnavailable, res.Outcome)

	res = h.acquire(t, "ghost", "i1", tk.ID)
	assert.Equal(t, OutcomeUnavailable, res.Outcome)
	assert.Empty(t, h.eventTypes())
}

func TestMissingTaskIsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1", agent.StatusEnabled)

	res := h.acquire(t, "a1", "i1", "no-such-task")
	assert.Equal(t, OutcomeUnavailable, res.Outcome)
	assert.True(t, res.Package.Empty())
}

func TestExpiredTaskLooksTaken(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1", agent.StatusEnabled)
	tk := h.enqueue(t, "k8s-connect")
	h.record(t, "a1", "k8s-connect", true, h.clock.Now())

	h.clock.Advance(2 * time.Hour)
	h.register(t, "a1", agent.StatusEnabled)
	h.record(t, "a1", "k8s-connect", true, h.clock.Now())
	_, err := h.store.ExpireOverdue(h.ctx)
	require.NoError(t, err)

	res := h.acquire(t, "a1", "i1", tk.ID)
	assert.Equal(t, OutcomeUnavailable, res.Outcome)
}

func TestStoreErrorsPropagate(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1", agent.StatusEnabled)
	boom := errors.New("database is locked")
	coord := h.newCoordinator(failingStore{err: boom}, h.evaluator())

	res, err := coord.Acquire(h.ctx, Request{Tenant: tenant, AgentID: "a1", InstanceID: "i1", TaskID: "t"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, OutcomeUnavailable, res.Outcome)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Acquire.WithLabelValues("error")))
}

type failingStore struct {
	TaskStore
	err error
}

func (s failingStore) Get(context.Context, string, string) (*task.Task, error) {
	return nil, s.err
}
