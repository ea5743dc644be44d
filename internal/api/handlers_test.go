package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taskrelay/internal/agent"
	"github.com/mattjoyce/taskrelay/internal/auth"
	"github.com/mattjoyce/taskrelay/internal/dispatch"
	"github.com/mattjoyce/taskrelay/internal/eligibility"
	"github.com/mattjoyce/taskrelay/internal/events"
	"github.com/mattjoyce/taskrelay/internal/task"
)

const (
	adminKey    = "admin-key"
	agentToken  = "agent-token"
	pinnedToken = "pinned-token"
)

type fakeAcquirer struct {
	mu   sync.Mutex
	reqs []dispatch.Request
	res  dispatch.Result
	err  error
}

func (f *fakeAcquirer) Acquire(_ context.Context, req dispatch.Request) (dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

type fakeAgents struct {
	mu     sync.Mutex
	agents map[string]agent.Snapshot
	err    error
}

func (f *fakeAgents) Upsert(_ context.Context, snap agent.Snapshot) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[snap.Tenant+"/"+snap.ID] = snap
	return nil
}

func (f *fakeAgents) Heartbeat(_ context.Context, tenant, id string, at time.Time) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.agents[tenant+"/"+id]
	if !ok {
		return false, nil
	}
	snap.LastHeartbeat = at
	f.agents[tenant+"/"+id] = snap
	return true, nil
}

type fakeInvalidator struct{ tenants []string }

func (f *fakeInvalidator) Invalidate(tenant string) { f.tenants = append(f.tenants, tenant) }

type fakeRecorder struct {
	results []eligibility.Result
	err     error
}

func (f *fakeRecorder) Record(_ context.Context, r eligibility.Result) error {
	if f.err != nil {
		return f.err
	}
	f.results = append(f.results, r)
	return nil
}

type harness struct {
	server   *Server
	handler  http.Handler
	acquirer *fakeAcquirer
	tasks    *task.Store
	agents   *fakeAgents
	registry *fakeInvalidator
	results  *fakeRecorder
	hub      *events.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		acquirer: &fakeAcquirer{},
		tasks:    task.NewStore(task.NewMemoryBackend()),
		agents:   &fakeAgents{agents: map[string]agent.Snapshot{}},
		registry: &fakeInvalidator{},
		results:  &fakeRecorder{},
		hub:      events.NewHub(16),
	}
	cfg := Config{
		Listen: "127.0.0.1:0",
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Token: agentToken, Scopes: []string{auth.ScopeAgent}},
			{Token: pinnedToken, Scopes: []string{auth.ScopeAgent}, AgentID: "a1"},
		},
	}
	h.server = New(cfg, Deps{
		Dispatcher: h.acquirer,
		Tasks:      h.tasks,
		Agents:     h.agents,
		Registry:   h.registry,
		Results:    h.results,
		Events:     h.hub,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.handler = h.server.Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.server.deps.Ready = func(context.Context) error { return errors.New("db gone") }
	h.handler = h.server.Handler()
	rec = h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db gone")
}

func TestAuthAndScopes(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"missing token", http.MethodGet, "/tasks/t1?tenant=acme", "", http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/tasks/t1?tenant=acme", "nope", http.StatusUnauthorized},
		{"agent token cannot read tasks", http.MethodGet, "/tasks/t1?tenant=acme", agentToken, http.StatusForbidden},
		{"agent token cannot register", http.MethodPut, "/agents/a1", agentToken, http.StatusForbidden},
		{"admin key reads tasks", http.MethodGet, "/tasks/t1?tenant=acme", adminKey, http.StatusNotFound},
		{"agent token polls", http.MethodGet, "/agent/a1/tasks/t1/acquire?tenant=acme&instanceId=i1", agentToken, http.StatusOK},
		{"pinned token polls as itself", http.MethodGet, "/agent/a1/tasks/t1/acquire?tenant=acme&instanceId=i1", pinnedToken, http.StatusOK},
		{"pinned token cannot poll as another agent", http.MethodGet, "/agent/a2/tasks/t1/acquire?tenant=acme&instanceId=i1", pinnedToken, http.StatusForbidden},
		{"pinned token cannot heartbeat another agent", http.MethodPost, "/agents/a2/heartbeat", pinnedToken, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAcquire(t *testing.T) {
	h := newHarness(t)
	h.acquirer.res = dispatch.Result{
		Outcome: dispatch.OutcomeAssigned,
		Package: dispatch.Package{Tenant: "acme", AgentID: "a1", AgentInstanceID: "i1", TaskID: "t1"},
	}

	rec := h.do(t, http.MethodGet, "/agent/a1/tasks/t1/acquire?tenant=acme&instanceId=i1", agentToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AcquireResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(dispatch.OutcomeAssigned), resp.Outcome)
	assert.Equal(t, "t1", resp.Package.TaskID)
	require.Len(t, h.acquirer.reqs, 1)
	assert.Equal(t, dispatch.Request{Tenant: "acme", AgentID: "a1", InstanceID: "i1", TaskID: "t1"}, h.acquirer.reqs[0])
}

func TestAcquireRequiresTenantAndInstance(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/agent/a1/tasks/t1/acquire?instanceId=i1", agentToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodGet, "/agent/a1/tasks/t1/acquire?tenant=acme", agentToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.acquirer.reqs)
}

func TestAcquireStoreErrorIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.acquirer.err = errors.New("connection refused")
	rec := h.do(t, http.MethodGet, "/agent/a1/tasks/t1/acquire?tenant=acme&instanceId=i1", agentToken, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestEnqueueAndGetTask(t *testing.T) {
	h := newHarness(t)

	body := EnqueueTaskRequest{
		Tenant:   "acme",
		ID:       "t1",
		Timeout:  "2m",
		QueueTTL: "30s",
		Capabilities: []task.Capability{
			{Criterion: "docker", Mode: task.ModeAgent},
		},
		SetupAbstractions: map[string]string{"ng": "true"},
	}
	rec := h.do(t, http.MethodPost, "/tasks", adminKey, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "QUEUED", created.Status)
	assert.WithinDuration(t, created.CreatedAt.Add(30*time.Second), created.Expiry, time.Second)

	stored, err := h.tasks.Get(context.Background(), "acme", "t1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 2*time.Minute, stored.Timeout)
	assert.True(t, stored.NG())

	rec = h.do(t, http.MethodPost, "/tasks", adminKey, body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodGet, "/tasks/t1?tenant=acme", adminKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/tasks/t1?tenant=other", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing tenant", EnqueueTaskRequest{ID: "t1"}},
		{"bad timeout", EnqueueTaskRequest{Tenant: "acme", Timeout: "soon"}},
		{"negative ttl", EnqueueTaskRequest{Tenant: "acme", QueueTTL: "-1s"}},
		{"bad mode", EnqueueTaskRequest{Tenant: "acme", Capabilities: []task.Capability{{Criterion: "x", Mode: "REMOTE"}}}},
		{"unknown field", map[string]any{"tenant": "acme", "priority": 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/tasks", adminKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRegisterAndHeartbeat(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/agents/a1/heartbeat", agentToken, HeartbeatRequest{Tenant: "acme"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPut, "/agents/a1", adminKey, RegisterAgentRequest{Tenant: "acme", Name: "builder", NG: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := h.agents.agents["acme/a1"]
	assert.Equal(t, agent.StatusEnabled, snap.Status)
	assert.True(t, snap.NG)
	assert.Equal(t, []string{"acme"}, h.registry.tenants)

	rec = h.do(t, http.MethodPost, "/agents/a1/heartbeat", agentToken, HeartbeatRequest{Tenant: "acme"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"acme"}, h.registry.tenants)

	rec = h.do(t, http.MethodPut, "/agents/a1", adminKey, RegisterAgentRequest{Tenant: "acme", Status: "paused"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/agents/a1", adminKey, RegisterAgentRequest{Tenant: "acme", Status: "disabled"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, agent.StatusDisabled, h.agents.agents["acme/a1"].Status)
}

func TestValidationResults(t *testing.T) {
	h := newHarness(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.server.now = func() time.Time { return fixed }

	rec := h.do(t, http.MethodPut, "/agents/a1/validation-results", agentToken, ValidationResultsRequest{
		Results: []ValidationResult{
			{Criterion: "docker", Validated: true},
			{Criterion: "gpu", Validated: false},
		},
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	require.Len(t, h.results.results, 2)
	assert.Equal(t, eligibility.Result{AgentID: "a1", Criterion: "docker", Validated: true, LastUpdatedAt: fixed}, h.results.results[0])
	assert.False(t, h.results.results[1].Validated)

	rec = h.do(t, http.MethodPut, "/agents/a1/validation-results", agentToken, ValidationResultsRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	queued, err := h.tasks.Enqueue(ctx, task.EnqueueRequest{Tenant: "acme", ID: "t1"})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/agent/a1/tasks/t1/complete?tenant=acme&instanceId=i1", agentToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err = h.tasks.Claim(ctx, queued, "a1", "i1")
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, "/agent/a1/tasks/t1/complete?tenant=acme&instanceId=i2", agentToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/agent/a1/tasks/t1/complete?tenant=acme&instanceId=i1", agentToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "COMPLETED", resp.Status)
}

// readSSE opens an event stream and collects the first n events.
func readSSE(t *testing.T, h *harness, query string, n int) (types, data []string) {
	t.Helper()
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events"+query, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	for len(data) < n && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			types = append(types, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	return types, data
}

func TestEventsReplaysBacklogForTenant(t *testing.T) {
	h := newHarness(t)
	h.hub.Publish(events.TaskAssigned, "acme", map[string]string{"task_id": "t1"})
	h.hub.Publish(events.TaskAssigned, "globex", map[string]string{"task_id": "t2"})
	h.hub.Publish(events.ReaperTick, "", map[string]int{"expired": 0})

	types, data := readSSE(t, h, "?tenant=acme", 2)
	assert.Equal(t, []string{events.TaskAssigned, events.ReaperTick}, types)
	require.Len(t, data, 2)
	assert.Contains(t, data[0], "t1")
	for _, d := range data {
		assert.NotContains(t, d, "t2")
	}
}

func TestEventsTypeFilterAndResume(t *testing.T) {
	h := newHarness(t)
	h.hub.Publish(events.TaskAssigned, "acme", map[string]string{"task_id": "t1"})
	h.hub.Publish(events.TaskLostRace, "acme", map[string]string{"task_id": "t1"})
	h.hub.Publish(events.ReaperTick, "", map[string]int{"expired": 0})
	h.hub.Publish(events.TaskAssigned, "acme", map[string]string{"task_id": "t3"})

	types, data := readSSE(t, h, "?tenant=acme&type=task.assigned", 2)
	assert.Equal(t, []string{events.TaskAssigned, events.TaskAssigned}, types)
	require.Len(t, data, 2)
	assert.Contains(t, data[1], "t3")
}

func TestParseEventFilter(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/events?tenant=%20acme%20&type=task.assigned,%20task.blacklisted&type=reaper.tick", nil)
	f := parseEventFilter(r)
	assert.Equal(t, "acme", f.tenant)
	assert.True(t, f.wants(events.Event{Type: events.TaskAssigned}))
	assert.True(t, f.wants(events.Event{Type: events.ReaperTick}))
	assert.False(t, f.wants(events.Event{Type: events.TaskLostRace}))

	all := parseEventFilter(httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.True(t, all.wants(events.Event{Type: events.TaskLostRace}))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
	assert.Equal(t, int64(7), parseLastEventID(" 7 "))
}
