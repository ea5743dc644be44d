package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type memKey struct{ tenant, id string }

// MemoryBackend keeps tasks in a map. A single mutex makes ConditionalUpdate
// a compare-and-swap.
type MemoryBackend struct {
	mu    sync.Mutex
	tasks map[memKey]*Task
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tasks: make(map[memKey]*Task)}
}

func (b *MemoryBackend) Insert(_ context.Context, t *Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := memKey{t.Tenant, t.ID}
	if _, ok := b.tasks[k]; ok {
		return fmt.Errorf("%w: %s/%s", ErrTaskExists, t.Tenant, t.ID)
	}
	cp, err := cloneTask(t)
	if err != nil {
		return err
	}
	b.tasks[k] = cp
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, tenant, id string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[memKey{tenant, id}]
	if !ok {
		return nil, nil
	}
	return cloneTask(t)
}

func (b *MemoryBackend) ConditionalUpdate(_ context.Context, f Filter, m Mutation) (*Task, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[memKey{f.Tenant, f.ID}]
	if !ok || !f.Matches(t) {
		return nil, false, nil
	}
	m.Apply(t)
	out, err := cloneTask(t)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (b *MemoryBackend) ExpireOverdue(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, t := range b.tasks {
		if (t.Status == StatusQueued || t.Status == StatusStarted) && t.Expiry.Before(now) {
			t.Status = StatusExpired
			t.AssignedAgentID = ""
			t.AssignedInstanceID = ""
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Close() error { return nil }

// cloneTask deep-copies a task so callers never share backend state.
func cloneTask(t *Task) (*Task, error) {
	def, err := json.Marshal(t.Definition)
	if err != nil {
		return nil, fmt.Errorf("copy task definition: %w", err)
	}
	cp := *t
	cp.Definition = Definition{}
	if err := json.Unmarshal(def, &cp.Definition); err != nil {
		return nil, fmt.Errorf("copy task definition: %w", err)
	}
	cp.ValidatingAgentIDs = append([]string(nil), t.ValidatingAgentIDs...)
	cp.ValidationCompleteAgentIDs = append([]string(nil), t.ValidationCompleteAgentIDs...)
	cp.ActivityLog = nil
	if t.ValidationStartedAt != nil {
		ts := *t.ValidationStartedAt
		cp.ValidationStartedAt = &ts
	}
	return &cp, nil
}
