// Package capability decides whether an agent must probe a task's
// capabilities before it may claim the task.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/mattjoyce/taskrelay/internal/agent"
	"github.com/mattjoyce/taskrelay/internal/eligibility"
	"github.com/mattjoyce/taskrelay/internal/log"
	"github.com/mattjoyce/taskrelay/internal/task"
)

// ResultReader is the eligibility cache surface the evaluator needs.
type ResultReader interface {
	Get(ctx context.Context, agentID, criterion string) (*eligibility.Result, error)
}

// AgentDirectory is the agent registry surface the evaluator needs.
type AgentDirectory interface {
	ActiveAgentIDs(ctx context.Context, tenant string, ng *bool) []string
	Agent(ctx context.Context, tenant, id string) (*agent.Snapshot, error)
}

type Evaluator struct {
	results ResultReader
	agents  AgentDirectory
	policy  eligibility.Policy
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the clock used against result timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

func NewEvaluator(results ResultReader, agents AgentDirectory, policy eligibility.Policy, opts ...Option) *Evaluator {
	e := &Evaluator{
		results: results,
		agents:  agents,
		policy:  policy,
		now:     time.Now,
		logger:  log.WithComponent("capability"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Criteria returns the criteria of AGENT-mode capabilities in task order.
func Criteria(t *task.Task) []string {
	var out []string
	for _, c := range t.Capabilities {
		if c.Mode == task.ModeAgent {
			out = append(out, c.Criterion)
		}
	}
	return out
}

// AgentCapabilities returns the AGENT-mode capabilities shipped to the agent.
func AgentCapabilities(t *task.Task) []task.Capability {
	var out []task.Capability
	for _, c := range t.Capabilities {
		if c.Mode == task.ModeAgent {
			out = append(out, c)
		}
	}
	return out
}

// ShouldValidate reports whether agentID must (re)probe the task's criteria
// before it may claim it. Blank criteria and lookup failures force validation.
func (e *Evaluator) ShouldValidate(ctx context.Context, t *task.Task, agentID string) bool {
	logger := log.WithTask(t.Tenant, t.ID).With("agent_id", agentID)
	now := e.now()

	// Computed at most once, and only if some criterion is trusted.
	var unreachable *bool
	for _, criterion := range Criteria(t) {
		if strings.TrimSpace(criterion) == "" {
			logger.Error("blank capability criterion on task")
			return true
		}
		r, err := e.results.Get(ctx, agentID, criterion)
		if err != nil {
			logger.Error("failed to read validation result", "criterion", criterion, "error", err)
			return true
		}
		if e.policy.ShouldRevalidate(r, now) {
			return true
		}
		if unreachable == nil {
			v := !slices.Contains(e.agents.ActiveAgentIDs(ctx, t.Tenant, nil), agentID) &&
				len(e.ConnectedWhitelisted(ctx, t)) == 0
			unreachable = &v
		}
		if *unreachable {
			return true
		}
	}
	return false
}

// ConnectedWhitelisted lists active agents on the task's plane (and in its
// eligible list, when set) whose every criterion has a positive result.
func (e *Evaluator) ConnectedWhitelisted(ctx context.Context, t *task.Task) []string {
	ng := t.NG()
	var candidates []string
	for _, id := range e.agents.ActiveAgentIDs(ctx, t.Tenant, &ng) {
		if len(t.EligibleAgentIDs) > 0 && !slices.Contains(t.EligibleAgentIDs, id) {
			continue
		}
		candidates = append(candidates, id)
	}

	criteria := Criteria(t)
	if len(criteria) == 0 {
		return candidates
	}

	var out []string
	for _, id := range candidates {
		matching := true
		for _, criterion := range criteria {
			r, err := e.results.Get(ctx, id, criterion)
			if err != nil {
				e.logger.Error("error checking for whitelisted agents", "tenant", t.Tenant, "task_id", t.ID, "error", err)
				matching = false
				break
			}
			if r == nil || !r.Validated {
				matching = false
				break
			}
		}
		if matching {
			out = append(out, id)
		}
	}
	return out
}

// IsWhitelisted reports whether every criterion has a fresh positive result
// for agentID. On the first miss it appends a note to the task's activity log
// and stops.
func (e *Evaluator) IsWhitelisted(ctx context.Context, t *task.Task, agentID string) bool {
	now := e.now()
	for _, criterion := range Criteria(t) {
		if strings.TrimSpace(criterion) == "" {
			continue
		}
		r, err := e.results.Get(ctx, agentID, criterion)
		if err != nil {
			log.WithTask(t.Tenant, t.ID).Error("error checking whether agent is whitelisted",
				"agent_id", agentID, "error", err)
			return false
		}
		if !e.policy.Whitelisted(r, now) {
			t.AddActivity(fmt.Sprintf("No matching criteria %s found in delegate %s", criterion, e.agentName(ctx, t.Tenant, agentID)))
			return false
		}
	}
	return true
}

func (e *Evaluator) agentName(ctx context.Context, tenant, agentID string) string {
	snap, err := e.agents.Agent(ctx, tenant, agentID)
	if err != nil || snap == nil {
		return agentID
	}
	return snap.DisplayName()
}

var selectorOrigins = []string{task.OriginStep, task.OriginStepGroup, task.OriginStage, task.OriginPipeline}

// SelectorCapabilities returns the selector capabilities declared at step,
// step group, stage or pipeline level, falling back to all of them when none
// carry one of those origins.
func SelectorCapabilities(t *task.Task) []task.SelectorCapability {
	var scoped []task.SelectorCapability
	for _, sc := range t.SelectorCapabilities {
		if slices.Contains(selectorOrigins, strings.ToLower(sc.Origin)) {
			scoped = append(scoped, sc)
		}
	}
	if len(scoped) > 0 {
		return scoped
	}
	return t.SelectorCapabilities
}
