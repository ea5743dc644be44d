package dispatch

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/taskrelay/internal/agent"
	"github.com/mattjoyce/taskrelay/internal/task"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/taskrelay/internal/dispatch TaskStore,Evaluator,AgentLookup,TokenSource,SelectionLogger

type Outcome string

const (
	OutcomeUnavailable Outcome = "UNAVAILABLE"
	OutcomeValidating  Outcome = "VALIDATING"
	OutcomeAssigned    Outcome = "ASSIGNED"
	OutcomeLostRace    Outcome = "LOST_RACE"
	OutcomeBlacklisted Outcome = "BLACKLISTED"
)

// Request is one agent poll for one task.
type Request struct {
	Tenant     string
	AgentID    string
	InstanceID string
	TaskID     string
}

// Package is what the agent receives. An empty TaskID means no work.
type Package struct {
	Tenant                   string                    `json:"tenant"`
	AgentID                  string                    `json:"agentId"`
	AgentInstanceID          string                    `json:"agentInstanceId"`
	TaskID                   string                    `json:"taskId"`
	Payload                  *task.Payload             `json:"payload,omitempty"`
	ExecutionCapabilities    []task.Capability         `json:"executionCapabilities,omitempty"`
	SelectorCapabilities     []task.SelectorCapability `json:"selectorCapabilities,omitempty"`
	LogStreamingToken        string                    `json:"logStreamingToken,omitempty"`
	LogStreamingAbstractions map[string]string         `json:"logStreamingAbstractions,omitempty"`
	BaseLogKey               string                    `json:"baseLogKey,omitempty"`
	EncryptionConfigs        json.RawMessage           `json:"encryptionConfigs,omitempty"`
	SecretDetails            json.RawMessage           `json:"secretDetails,omitempty"`
}

// Empty reports whether the package carries no task.
func (p Package) Empty() bool { return p.TaskID == "" }

type Result struct {
	Package Package `json:"package"`
	Outcome Outcome `json:"outcome"`
	// Replay is set when an agent re-acquired a task it already held.
	Replay bool `json:"replay,omitempty"`
}

// TaskStore is the task state surface the coordinator drives.
type TaskStore interface {
	Get(ctx context.Context, tenant, id string) (*task.Task, error)
	BeginValidation(ctx context.Context, t *task.Task, agentID string) (*task.Task, error)
	ClearValidation(ctx context.Context, t *task.Task) (*task.Task, error)
	Claim(ctx context.Context, t *task.Task, agentID, instanceID string) (*task.Task, error)
	FindAssigned(ctx context.Context, tenant, id, agentID, instanceID string) (*task.Task, error)
}

// Evaluator decides capability eligibility.
type Evaluator interface {
	ShouldValidate(ctx context.Context, t *task.Task, agentID string) bool
	IsWhitelisted(ctx context.Context, t *task.Task, agentID string) bool
}

// AgentLookup reads the polling agent's projection.
type AgentLookup interface {
	Agent(ctx context.Context, tenant, id string) (*agent.Snapshot, error)
}

// TokenSource issues log-streaming tokens per tenant.
type TokenSource interface {
	AccountToken(ctx context.Context, tenant string) (string, error)
}

// SelectionLogger records assignments. It must not block.
type SelectionLogger interface {
	LogAssigned(agentID string, t *task.Task)
}
