package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/taskrelay/internal/agent"
	"github.com/mattjoyce/taskrelay/internal/capability"
	"github.com/mattjoyce/taskrelay/internal/events"
	"github.com/mattjoyce/taskrelay/internal/log"
	"github.com/mattjoyce/taskrelay/internal/task"
)

// Coordinator answers agent polls. It is safe for concurrent use and holds
// no per-agent state.
type Coordinator struct {
	tasks  TaskStore
	agents AgentLookup
	eval   Evaluator

	tokens    TokenSource
	selection SelectionLogger
	events    events.Publisher
	metrics   *Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTokens attaches log-streaming tokens to NG packages.
func WithTokens(t TokenSource) Option {
	return func(c *Coordinator) { c.tokens = t }
}

// WithSelectionLog records every fresh assignment.
func WithSelectionLog(s SelectionLogger) Option {
	return func(c *Coordinator) { c.selection = s }
}

func WithEvents(p events.Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func New(tasks TaskStore, agents AgentLookup, eval Evaluator, opts ...Option) *Coordinator {
	c := &Coordinator{
		tasks:  tasks,
		agents: agents,
		eval:   eval,
		now:    time.Now,
		logger: log.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire runs one poll. A non-nil error means the store could not answer
// and the agent should retry; the returned Result then carries an empty
// package. Contention and ineligibility are outcomes, not errors.
func (c *Coordinator) Acquire(ctx context.Context, req Request) (Result, error) {
	start := c.now()
	res, err := c.acquire(ctx, req)
	c.metrics.observe(res.Outcome, err, c.now().Sub(start))
	return res, err
}

func (c *Coordinator) acquire(ctx context.Context, req Request) (Result, error) {
	logger := c.logger.With("tenant", req.Tenant, "task_id", req.TaskID,
		"agent_id", req.AgentID, "instance_id", req.InstanceID)

	snap, err := c.agents.Agent(ctx, req.Tenant, req.AgentID)
	if err != nil {
		return c.unavailable(req), fmt.Errorf("load agent %s: %w", req.AgentID, err)
	}
	if snap == nil || snap.Status != agent.StatusEnabled {
		status := "missing"
		if snap != nil {
			status = string(snap.Status)
		}
		logger.Warn("agent is not enabled, task not handed out", "agent_status", status)
		return c.unavailable(req), nil
	}

	t, err := c.tasks.Get(ctx, req.Tenant, req.TaskID)
	if err != nil {
		return c.unavailable(req), fmt.Errorf("load task: %w", err)
	}
	if t == nil {
		logger.Debug("task not found")
		return c.unavailable(req), nil
	}

	if !t.Unassigned() {
		if !t.BoundTo(req.AgentID, req.InstanceID) {
			logger.Debug("task already bound to another agent", "assigned_agent_id", t.AssignedAgentID)
			return c.unavailable(req), nil
		}
		return c.claim(ctx, t, req, logger)
	}
	if t.Status != task.StatusQueued {
		logger.Debug("task is not claimable", "status", t.Status)
		return c.unavailable(req), nil
	}

	if c.eval.ShouldValidate(ctx, t, req.AgentID) {
		updated, err := c.tasks.BeginValidation(ctx, t, req.AgentID)
		if err != nil {
			return c.unavailable(req), err
		}
		if updated == nil {
			logger.Debug("task left the queue before validation started")
			return c.unavailable(req), nil
		}
		c.metrics.validationStarted()
		c.publish(events.TaskValidating, req, nil)
		logger.Info("agent asked to validate task capabilities")
		return Result{Package: c.validatePackage(req, updated), Outcome: OutcomeValidating}, nil
	}

	if !c.eval.IsWhitelisted(ctx, t, req.AgentID) {
		logger.Info("agent not whitelisted for task", "activity", t.ActivityLog)
		c.publish(events.TaskBlacklisted, req, map[string]any{"activity": t.ActivityLog})
		return Result{Package: c.emptyPackage(req), Outcome: OutcomeBlacklisted}, nil
	}

	if _, err := c.tasks.ClearValidation(ctx, t); err != nil {
		return c.unavailable(req), err
	}
	return c.claim(ctx, t, req, logger)
}

func (c *Coordinator) claim(ctx context.Context, t *task.Task, req Request, logger *slog.Logger) (Result, error) {
	claimed, err := c.tasks.Claim(ctx, t, req.AgentID, req.InstanceID)
	if err != nil {
		return c.unavailable(req), err
	}

	replay := false
	if claimed == nil {
		claimed, err = c.tasks.FindAssigned(ctx, req.Tenant, req.TaskID, req.AgentID, req.InstanceID)
		if err != nil {
			return c.unavailable(req), err
		}
		if claimed == nil {
			logger.Info("lost claim race")
			c.publish(events.TaskLostRace, req, nil)
			return Result{Package: c.emptyPackage(req), Outcome: OutcomeLostRace}, nil
		}
		replay = true
	}

	pkg := c.assignedPackage(ctx, claimed, req, logger)
	if !replay && c.selection != nil {
		c.selection.LogAssigned(req.AgentID, claimed)
	}
	c.publish(events.TaskAssigned, req, map[string]any{"replay": replay, "expiry": claimed.Expiry})
	logger.Info("task assigned", "replay", replay, "expiry", claimed.Expiry)
	return Result{Package: pkg, Outcome: OutcomeAssigned, Replay: replay}, nil
}

func (c *Coordinator) unavailable(req Request) Result {
	return Result{Package: c.emptyPackage(req), Outcome: OutcomeUnavailable}
}

func (c *Coordinator) emptyPackage(req Request) Package {
	return Package{Tenant: req.Tenant, AgentID: req.AgentID, AgentInstanceID: req.InstanceID}
}

func (c *Coordinator) validatePackage(req Request, t *task.Task) Package {
	pkg := c.emptyPackage(req)
	pkg.TaskID = t.ID
	pkg.ExecutionCapabilities = capability.AgentCapabilities(t)
	return pkg
}

func (c *Coordinator) assignedPackage(ctx context.Context, t *task.Task, req Request, logger *slog.Logger) Package {
	pkg := c.validatePackage(req, t)
	payload := t.Payload
	pkg.Payload = &payload
	pkg.SelectorCapabilities = capability.SelectorCapabilities(t)

	if t.NG() {
		pkg.LogStreamingToken = c.logStreamingToken(ctx, t.Tenant, logger)
		pkg.LogStreamingAbstractions = t.LogStreamingAbstractions
		pkg.BaseLogKey = t.BaseLogKey
	}
	if len(t.Payload.Parameters) > 0 {
		pkg.EncryptionConfigs = t.EncryptionConfigs
		pkg.SecretDetails = t.SecretDetails
	}
	return pkg
}

// logStreamingToken returns "" when no issuer is configured or the lookup
// failed. The agent then runs without streaming logs.
func (c *Coordinator) logStreamingToken(ctx context.Context, tenant string, logger *slog.Logger) string {
	if c.tokens == nil {
		return ""
	}
	token, err := c.tokens.AccountToken(ctx, tenant)
	if err != nil {
		c.metrics.tokenFailure()
		logger.Error("unable to retrieve log streaming token, package sent without it", "error", err)
		return ""
	}
	return token
}

func (c *Coordinator) publish(eventType string, req Request, extra map[string]any) {
	if c.events == nil {
		return
	}
	data := map[string]any{
		"task_id":     req.TaskID,
		"agent_id":    req.AgentID,
		"instance_id": req.InstanceID,
	}
	for k, v := range extra {
		data[k] = v
	}
	c.events.Publish(eventType, req.Tenant, data)
}
