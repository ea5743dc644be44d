package task

import (
	"encoding/json"
	"errors"
	"slices"
	"time"
)

type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusValidating Status = "VALIDATING"
	StatusStarted    Status = "STARTED"
	StatusCompleted  Status = "COMPLETED"
	StatusExpired    Status = "EXPIRED"
	StatusFailed     Status = "FAILED"
)

// EvaluationMode says who can check a capability. Only AGENT-mode criteria
// have a server-checkable basis.
type EvaluationMode string

const (
	ModeAgent   EvaluationMode = "AGENT"
	ModeManager EvaluationMode = "MANAGER"
)

// Capability is one precondition an agent must satisfy before it may run the task.
type Capability struct {
	Type      string         `json:"type,omitempty"`
	Criterion string         `json:"criterion"`
	Mode      EvaluationMode `json:"mode"`
}

// Selector origins recognised by capability.SelectorCapabilities.
const (
	OriginStep      = "step"
	OriginStepGroup = "step_group"
	OriginStage     = "stage"
	OriginPipeline  = "pipeline"
)

// SelectorCapability narrows execution to agents carrying the given selectors.
type SelectorCapability struct {
	Selectors []string `json:"selectors"`
	Origin    string   `json:"origin,omitempty"`
}

// Payload is the opaque work unit plus typed parameters.
type Payload struct {
	Type       string         `json:"type,omitempty"`
	Data       []byte         `json:"data,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Definition is the immutable part of a task, fixed at enqueue.
type Definition struct {
	Capabilities             []Capability         `json:"capabilities,omitempty"`
	SelectorCapabilities     []SelectorCapability `json:"selector_capabilities,omitempty"`
	EligibleAgentIDs         []string             `json:"eligible_agent_ids,omitempty"`
	Timeout                  time.Duration        `json:"timeout"`
	Payload                  Payload              `json:"payload"`
	SetupAbstractions        map[string]string    `json:"setup_abstractions,omitempty"`
	LogStreamingAbstractions map[string]string    `json:"log_streaming_abstractions,omitempty"`
	BaseLogKey               string               `json:"base_log_key,omitempty"`
	EncryptionConfigs        json.RawMessage      `json:"encryption_configs,omitempty"`
	SecretDetails            json.RawMessage      `json:"secret_details,omitempty"`
	SelectionLogsDisabled    bool                 `json:"selection_logs_disabled,omitempty"`
}

// Task is a unit of work queued for exactly one agent.
type Task struct {
	Tenant string
	ID     string
	Status Status

	// Empty means unassigned.
	AssignedAgentID    string
	AssignedInstanceID string

	ValidatingAgentIDs         []string
	ValidationCompleteAgentIDs []string
	ValidationStartedAt        *time.Time

	Expiry    time.Time
	CreatedAt time.Time
	UpdatedAt time.Time

	Definition

	// ActivityLog collects per-poll diagnostics. It is not persisted.
	ActivityLog []string
}

// NG reports whether the task targets the next-gen plane (setup abstraction ng=true).
func (t *Task) NG() bool {
	return t.SetupAbstractions["ng"] == "true"
}

// BoundTo reports whether the task is assigned to exactly this agent instance.
func (t *Task) BoundTo(agentID, instanceID string) bool {
	return t.AssignedAgentID == agentID && t.AssignedInstanceID == instanceID
}

// Unassigned reports whether no agent or instance holds the task.
func (t *Task) Unassigned() bool {
	return t.AssignedAgentID == "" && t.AssignedInstanceID == ""
}

// AddActivity appends a diagnostic line to the in-memory activity log.
func (t *Task) AddActivity(msg string) {
	t.ActivityLog = append(t.ActivityLog, msg)
}

// EnqueueRequest describes new work submitted by the control plane.
type EnqueueRequest struct {
	Tenant string
	// ID is optional; a UUID is generated when empty.
	ID         string
	Definition Definition
	// QueueTTL bounds how long the task may wait unclaimed.
	QueueTTL time.Duration
}

// Filter selects at most one task for a conditional update. Zero-valued
// fields do not constrain the match.
type Filter struct {
	Tenant string
	ID     string
	Status Status

	AssigneeAbsent bool
	InstanceAbsent bool

	AssignedAgentID    string
	AssignedInstanceID string
}

// Matches reports whether t satisfies every set constraint of f.
func (f Filter) Matches(t *Task) bool {
	if t == nil || t.Tenant != f.Tenant || t.ID != f.ID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AssigneeAbsent && t.AssignedAgentID != "" {
		return false
	}
	if f.InstanceAbsent && t.AssignedInstanceID != "" {
		return false
	}
	if f.AssignedAgentID != "" && t.AssignedAgentID != f.AssignedAgentID {
		return false
	}
	if f.AssignedInstanceID != "" && t.AssignedInstanceID != f.AssignedInstanceID {
		return false
	}
	return true
}

// Assignment binds a task to one agent instance.
type Assignment struct {
	AgentID    string
	InstanceID string
}

// Mutation is applied atomically when a Filter matches.
type Mutation struct {
	// AddValidatingAgent is added to the validating set if not already present.
	AddValidatingAgent string
	// ValidationStartedAt is written only when the task has none yet.
	ValidationStartedAt *time.Time
	// ClearValidation empties both validation tracking sets.
	ClearValidation bool

	Assign *Assignment
	Status Status
	Expiry *time.Time

	UpdatedAt time.Time
}

// Apply mutates t in place. Backends without native conditional updates use it
// under their own lock.
func (m Mutation) Apply(t *Task) {
	if m.AddValidatingAgent != "" && !slices.Contains(t.ValidatingAgentIDs, m.AddValidatingAgent) {
		t.ValidatingAgentIDs = append(t.ValidatingAgentIDs, m.AddValidatingAgent)
	}
	if m.ValidationStartedAt != nil && t.ValidationStartedAt == nil {
		ts := *m.ValidationStartedAt
		t.ValidationStartedAt = &ts
	}
	if m.ClearValidation {
		t.ValidatingAgentIDs = nil
		t.ValidationCompleteAgentIDs = nil
	}
	if m.Assign != nil {
		t.AssignedAgentID = m.Assign.AgentID
		t.AssignedInstanceID = m.Assign.InstanceID
	}
	if m.Status != "" {
		t.Status = m.Status
	}
	if m.Expiry != nil {
		t.Expiry = *m.Expiry
	}
	if !m.UpdatedAt.IsZero() {
		t.UpdatedAt = m.UpdatedAt
	}
}

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskExists    = errors.New("task already exists")
	ErrInvalidTenant = errors.New("tenant is empty")
)
