package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/taskrelay/internal/log"
)

const (
	// DefaultTimeout applies when a task is enqueued without one.
	DefaultTimeout = 10 * time.Minute
	// DefaultQueueTTL bounds how long an unclaimed task lives.
	DefaultQueueTTL = time.Hour
)

// Backend is the persistence primitive set. ConditionalUpdate is the only
// operation the claim depends on: it must apply the mutation and return the
// post-update task in one atomic step, and report matched=false (with a nil
// task) whenever the filter did not match, even if the row exists.
type Backend interface {
	Insert(ctx context.Context, t *Task) error
	Get(ctx context.Context, tenant, id string) (*Task, error)
	ConditionalUpdate(ctx context.Context, f Filter, m Mutation) (*Task, bool, error)
	// ExpireOverdue moves QUEUED or STARTED tasks whose expiry is before now
	// to EXPIRED, clearing their assignment. Returns the number affected.
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// Store owns every task state transition.
type Store struct {
	backend Backend
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		logger:  log.WithComponent("task-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Enqueue creates a QUEUED task.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Task, error) {
	if strings.TrimSpace(req.Tenant) == "" {
		return nil, ErrInvalidTenant
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	def := req.Definition
	if def.Timeout <= 0 {
		def.Timeout = DefaultTimeout
	}
	ttl := req.QueueTTL
	if ttl <= 0 {
		ttl = DefaultQueueTTL
	}

	now := s.now().UTC()
	t := &Task{
		Tenant:     req.Tenant,
		ID:         id,
		Status:     StatusQueued,
		Expiry:     now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
		Definition: def,
	}
	if err := s.backend.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	log.WithTask(t.Tenant, t.ID).Debug("task enqueued", "expiry", t.Expiry)
	return t, nil
}

// Get loads a task. Returns (nil, nil) if it does not exist.
func (s *Store) Get(ctx context.Context, tenant, id string) (*Task, error) {
	t, err := s.backend.Get(ctx, tenant, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func unassignedQueued(t *Task) Filter {
	return Filter{Tenant: t.Tenant, ID: t.ID, Status: StatusQueued, AssigneeAbsent: true}
}

// BeginValidation records agentID as validating the task and stamps the
// validation start time if it is not set yet. Returns nil when the task is
// gone or no longer claimable.
func (s *Store) BeginValidation(ctx context.Context, t *Task, agentID string) (*Task, error) {
	now := s.now().UTC()
	updated, _, err := s.backend.ConditionalUpdate(ctx, unassignedQueued(t), Mutation{
		AddValidatingAgent:  agentID,
		ValidationStartedAt: &now,
		UpdatedAt:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("begin validation: %w", err)
	}
	return updated, nil
}

// ClearValidation empties the validation tracking sets before a claim.
func (s *Store) ClearValidation(ctx context.Context, t *Task) (*Task, error) {
	updated, _, err := s.backend.ConditionalUpdate(ctx, unassignedQueued(t), Mutation{
		ClearValidation: true,
		UpdatedAt:       s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("clear validation: %w", err)
	}
	return updated, nil
}

// Claim binds the task to agentID/instanceID and starts it. A nil task with a
// nil error means the claim filter did not match: another agent won, the task
// expired, or this instance already holds it (see FindAssigned).
func (s *Store) Claim(ctx context.Context, t *Task, agentID, instanceID string) (*Task, error) {
	now := s.now().UTC()
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	expiry := now.Add(timeout)

	f := unassignedQueued(t)
	f.InstanceAbsent = true
	claimed, matched, err := s.backend.ConditionalUpdate(ctx, f, Mutation{
		Assign:    &Assignment{AgentID: agentID, InstanceID: instanceID},
		Status:    StatusStarted,
		Expiry:    &expiry,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if !matched {
		return nil, nil
	}
	return claimed, nil
}

// FindAssigned returns the task if it is STARTED and held by this exact agent
// instance, or nil otherwise.
func (s *Store) FindAssigned(ctx context.Context, tenant, id, agentID, instanceID string) (*Task, error) {
	t, err := s.backend.Get(ctx, tenant, id)
	if err != nil {
		return nil, fmt.Errorf("find assigned task: %w", err)
	}
	f := Filter{
		Tenant:             tenant,
		ID:                 id,
		Status:             StatusStarted,
		AssignedAgentID:    agentID,
		AssignedInstanceID: instanceID,
	}
	if !f.Matches(t) || !t.BoundTo(agentID, instanceID) {
		return nil, nil
	}
	return t, nil
}

// Complete marks a STARTED task COMPLETED on behalf of its assignee.
func (s *Store) Complete(ctx context.Context, tenant, id, agentID, instanceID string) (*Task, error) {
	updated, matched, err := s.backend.ConditionalUpdate(ctx, Filter{
		Tenant:             tenant,
		ID:                 id,
		Status:             StatusStarted,
		AssignedAgentID:    agentID,
		AssignedInstanceID: instanceID,
	}, Mutation{
		Status:    StatusCompleted,
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}
	if !matched {
		return nil, nil
	}
	return updated, nil
}

// ExpireOverdue expires every task whose expiry has passed.
func (s *Store) ExpireOverdue(ctx context.Context) (int, error) {
	n, err := s.backend.ExpireOverdue(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire overdue tasks: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired overdue tasks", "count", n)
	}
	return n, nil
}
