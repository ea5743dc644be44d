package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/taskrelay/internal/dispatch"
	"github.com/mattjoyce/taskrelay/internal/task"
)

// EnqueueTaskRequest is the JSON body for POST /tasks.
type EnqueueTaskRequest struct {
	Tenant                   string                    `json:"tenant"`
	ID                       string                    `json:"id,omitempty"`
	Capabilities             []task.Capability         `json:"capabilities,omitempty"`
	SelectorCapabilities     []task.SelectorCapability `json:"selector_capabilities,omitempty"`
	EligibleAgentIDs         []string                  `json:"eligible_agent_ids,omitempty"`
	Timeout                  string                    `json:"timeout,omitempty"`
	QueueTTL                 string                    `json:"queue_ttl,omitempty"`
	Payload                  task.Payload              `json:"payload"`
	SetupAbstractions        map[string]string         `json:"setup_abstractions,omitempty"`
	LogStreamingAbstractions map[string]string         `json:"log_streaming_abstractions,omitempty"`
	BaseLogKey               string                    `json:"base_log_key,omitempty"`
	EncryptionConfigs        json.RawMessage           `json:"encryption_configs,omitempty"`
	SecretDetails            json.RawMessage           `json:"secret_details,omitempty"`
	SelectionLogsDisabled    bool                      `json:"selection_logs_disabled,omitempty"`
}

// TaskResponse is returned by POST /tasks and GET /tasks/{taskID}.
type TaskResponse struct {
	Tenant             string     `json:"tenant"`
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	AssignedAgentID    string     `json:"assigned_agent_id,omitempty"`
	AssignedInstanceID string     `json:"assigned_instance_id,omitempty"`
	ValidatingAgentIDs []string   `json:"validating_agent_ids,omitempty"`
	ValidationStarted  *time.Time `json:"validation_started_at,omitempty"`
	Expiry             time.Time  `json:"expiry"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func taskResponse(t *task.Task) TaskResponse {
	return TaskResponse{
		Tenant:             t.Tenant,
		ID:                 t.ID,
		Status:             string(t.Status),
		AssignedAgentID:    t.AssignedAgentID,
		AssignedInstanceID: t.AssignedInstanceID,
		ValidatingAgentIDs: t.ValidatingAgentIDs,
		ValidationStarted:  t.ValidationStartedAt,
		Expiry:             t.Expiry,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

// RegisterAgentRequest is the JSON body for PUT /agents/{agentID}.
type RegisterAgentRequest struct {
	Tenant string `json:"tenant"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
	NG     bool   `json:"ng,omitempty"`
}

// HeartbeatRequest is the JSON body for POST /agents/{agentID}/heartbeat.
type HeartbeatRequest struct {
	Tenant string `json:"tenant"`
}

// ValidationResultsRequest is the JSON body for PUT /agents/{agentID}/validation-results.
type ValidationResultsRequest struct {
	Results []ValidationResult `json:"results"`
}

type ValidationResult struct {
	Criterion string `json:"criterion"`
	Validated bool   `json:"validated"`
}

// AcquireResponse is returned by the acquire poll.
type AcquireResponse struct {
	Outcome string           `json:"outcome"`
	Replay  bool             `json:"replay,omitempty"`
	Package dispatch.Package `json:"package"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Error         string `json:"error,omitempty"`
}
