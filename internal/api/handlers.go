package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/taskrelay/internal/agent"
	"github.com/mattjoyce/taskrelay/internal/dispatch"
	"github.com/mattjoyce/taskrelay/internal/eligibility"
	"github.com/mattjoyce/taskrelay/internal/task"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			resp.Status = "unavailable"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleAcquire handles GET /agent/{agentID}/tasks/{taskID}/acquire.
// Store failures map to 503 so the agent retries after its backoff.
func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireQuery(w, r, "tenant")
	if !ok {
		return
	}
	instanceID, ok := s.requireQuery(w, r, "instanceId")
	if !ok {
		return
	}

	req := dispatch.Request{
		Tenant:     tenant,
		AgentID:    chi.URLParam(r, "agentID"),
		InstanceID: instanceID,
		TaskID:     chi.URLParam(r, "taskID"),
	}
	res, err := s.deps.Dispatcher.Acquire(r.Context(), req)
	if err != nil {
		s.logger.Error("acquire failed", "tenant", tenant, "task_id", req.TaskID, "agent_id", req.AgentID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "task store unavailable, retry later")
		return
	}

	respondJSON(w, http.StatusOK, AcquireResponse{
		Outcome: string(res.Outcome),
		Replay:  res.Replay,
		Package: res.Package,
	})
}

// handleComplete handles POST /agent/{agentID}/tasks/{taskID}/complete.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireQuery(w, r, "tenant")
	if !ok {
		return
	}
	instanceID, ok := s.requireQuery(w, r, "instanceId")
	if !ok {
		return
	}

	t, err := s.deps.Tasks.Complete(r.Context(), tenant, chi.URLParam(r, "taskID"), chi.URLParam(r, "agentID"), instanceID)
	if err != nil {
		s.logger.Error("complete failed", "tenant", tenant, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "task store unavailable, retry later")
		return
	}
	if t == nil {
		s.writeError(w, http.StatusConflict, "task is not started by this agent instance")
		return
	}
	respondJSON(w, http.StatusOK, taskResponse(t))
}

// handleEnqueue handles POST /tasks.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueTaskRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Tenant) == "" {
		s.writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	timeout, err := parseOptionalDuration(req.Timeout)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "timeout: "+err.Error())
		return
	}
	queueTTL, err := parseOptionalDuration(req.QueueTTL)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "queue_ttl: "+err.Error())
		return
	}
	for _, c := range req.Capabilities {
		if c.Mode != task.ModeAgent && c.Mode != task.ModeManager {
			s.writeError(w, http.StatusBadRequest, "capability mode must be AGENT or MANAGER")
			return
		}
	}

	t, err := s.deps.Tasks.Enqueue(r.Context(), task.EnqueueRequest{
		Tenant:   req.Tenant,
		ID:       req.ID,
		QueueTTL: queueTTL,
		Definition: task.Definition{
			Capabilities:             req.Capabilities,
			SelectorCapabilities:     req.SelectorCapabilities,
			EligibleAgentIDs:         req.EligibleAgentIDs,
			Timeout:                  timeout,
			Payload:                  req.Payload,
			SetupAbstractions:        req.SetupAbstractions,
			LogStreamingAbstractions: req.LogStreamingAbstractions,
			BaseLogKey:               req.BaseLogKey,
			EncryptionConfigs:        req.EncryptionConfigs,
			SecretDetails:            req.SecretDetails,
			SelectionLogsDisabled:    req.SelectionLogsDisabled,
		},
	})
	switch {
	case errors.Is(err, task.ErrTaskExists):
		s.writeError(w, http.StatusConflict, "task already exists")
		return
	case errors.Is(err, task.ErrInvalidTenant):
		s.writeError(w, http.StatusBadRequest, "tenant is required")
		return
	case err != nil:
		s.logger.Error("enqueue failed", "tenant", req.Tenant, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to enqueue task")
		return
	}
	respondJSON(w, http.StatusCreated, taskResponse(t))
}

// handleGetTask handles GET /tasks/{taskID}?tenant=.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireQuery(w, r, "tenant")
	if !ok {
		return
	}
	t, err := s.deps.Tasks.Get(r.Context(), tenant, chi.URLParam(r, "taskID"))
	if err != nil {
		s.logger.Error("failed to get task", "tenant", tenant, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to load task")
		return
	}
	if t == nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	respondJSON(w, http.StatusOK, taskResponse(t))
}

// handleRegisterAgent handles PUT /agents/{agentID}.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Tenant) == "" {
		s.writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	status := agent.Status(strings.ToUpper(req.Status))
	switch status {
	case "":
		status = agent.StatusEnabled
	case agent.StatusEnabled, agent.StatusDisabled, agent.StatusDeleted, agent.StatusWaitingForApproval:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown agent status")
		return
	}

	snap := agent.Snapshot{
		Tenant:        req.Tenant,
		ID:            chi.URLParam(r, "agentID"),
		Name:          req.Name,
		Status:        status,
		NG:            req.NG,
		LastHeartbeat: s.now(),
	}
	if err := s.deps.Agents.Upsert(r.Context(), snap); err != nil {
		s.logger.Error("agent registration failed", "tenant", req.Tenant, "agent_id", snap.ID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to register agent")
		return
	}
	s.invalidateAgents(req.Tenant)
	respondJSON(w, http.StatusOK, snap)
}

// handleHeartbeat handles POST /agents/{agentID}/heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Tenant) == "" {
		s.writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	agentID := chi.URLParam(r, "agentID")
	found, err := s.deps.Agents.Heartbeat(r.Context(), req.Tenant, agentID, s.now())
	if err != nil {
		s.logger.Error("heartbeat failed", "tenant", req.Tenant, "agent_id", agentID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to record heartbeat")
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "agent not registered")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleValidationResults handles PUT /agents/{agentID}/validation-results.
func (s *Server) handleValidationResults(w http.ResponseWriter, r *http.Request) {
	var req ValidationResultsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Results) == 0 {
		s.writeError(w, http.StatusBadRequest, "results must be non-empty")
		return
	}
	agentID := chi.URLParam(r, "agentID")
	now := s.now()
	for _, res := range req.Results {
		if strings.TrimSpace(res.Criterion) == "" {
			s.writeError(w, http.StatusBadRequest, "criterion is required")
			return
		}
		err := s.deps.Results.Record(r.Context(), eligibility.Result{
			AgentID:       agentID,
			Criterion:     res.Criterion,
			Validated:     res.Validated,
			LastUpdatedAt: now,
		})
		if err != nil {
			s.logger.Error("failed to record validation result", "agent_id", agentID, "criterion", res.Criterion, "error", err)
			s.writeError(w, http.StatusServiceUnavailable, "failed to record validation result")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) invalidateAgents(tenant string) {
	if s.deps.Registry != nil {
		s.deps.Registry.Invalidate(tenant)
	}
}

func (s *Server) requireQuery(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		s.writeError(w, http.StatusBadRequest, name+" query parameter is required")
		return "", false
	}
	return v, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseOptionalDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must not be negative")
	}
	return d, nil
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
