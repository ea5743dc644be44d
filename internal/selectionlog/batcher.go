// Package selectionlog records which agent was handed which task. Entries are
// buffered per tenant and flushed in the background to every configured sink.
// Writes are best effort: a failed sink drops its copy of the batch.
package selectionlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/taskrelay/internal/log"
	"github.com/mattjoyce/taskrelay/internal/task"
)

const (
	OutcomeAssigned = "ASSIGNED"

	DefaultInactivityWindow = time.Second
	DefaultSweepInterval    = time.Second
	DefaultMaxBatch         = 500
	DefaultMaxAge           = 10 * time.Second

	sinkWriteTimeout = 5 * time.Second
)

// Entry is one selection-log line.
type Entry struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Outcome   string    `json:"outcome"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink durably stores a tenant's batch.
type Sink interface {
	Name() string
	Write(ctx context.Context, tenant string, batch []Entry) error
}

// Config controls when a tenant buffer is flushed.
type Config struct {
	// InactivityWindow flushes a buffer that has received nothing for this long.
	InactivityWindow time.Duration
	// SweepInterval is how often buffers are checked.
	SweepInterval time.Duration
	// MaxBatch flushes a buffer as soon as it holds this many entries.
	MaxBatch int
	// MaxAge flushes a buffer whose oldest entry is this old, even if busy.
	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.InactivityWindow <= 0 {
		c.InactivityWindow = DefaultInactivityWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

type buffer struct {
	entries []Entry
	first   time.Time
	last    time.Time
}

// Batcher buffers entries per tenant and writes them from a single
// background goroutine.
type Batcher struct {
	cfg     Config
	sinks   []Sink
	metrics *Metrics
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	buffers map[string]*buffer

	// kick wakes the writer when a buffer hits MaxBatch.
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithClock overrides the clock used for flush decisions and entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Batcher) { b.now = now }
}

// WithMetrics records flush and drop counts.
func WithMetrics(m *Metrics) Option {
	return func(b *Batcher) { b.metrics = m }
}

func NewBatcher(cfg Config, sinks []Sink, opts ...Option) *Batcher {
	b := &Batcher{
		cfg:     cfg.withDefaults(),
		sinks:   sinks,
		now:     time.Now,
		logger:  log.WithComponent("selection-log"),
		buffers: make(map[string]*buffer),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// LogAssigned records that agentID was assigned t. It never blocks on I/O.
// Tasks that opt out of selection logs are skipped.
func (b *Batcher) LogAssigned(agentID string, t *task.Task) {
	if t == nil || t.SelectionLogsDisabled {
		return
	}
	b.Append(Entry{
		Tenant:  t.Tenant,
		TaskID:  t.ID,
		AgentID: agentID,
		Outcome: OutcomeAssigned,
		Message: fmt.Sprintf("Delegate assigned for task execution: %s", agentID),
	})
}

// Append buffers e under its tenant.
func (b *Batcher) Append(e Entry) {
	now := b.now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	b.mu.Lock()
	buf, ok := b.buffers[e.Tenant]
	if !ok {
		buf = &buffer{first: now}
		b.buffers[e.Tenant] = buf
	}
	buf.entries = append(buf.entries, e)
	buf.last = now
	full := len(buf.entries) >= b.cfg.MaxBatch
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Pending reports the number of buffered, unflushed entries.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, buf := range b.buffers {
		n += len(buf.entries)
	}
	return n
}

// Start runs the background writer until ctx is cancelled or Stop is called.
func (b *Batcher) Start(ctx context.Context) {
	if b.started.CompareAndSwap(false, true) {
		go b.run(ctx)
	}
}

func (b *Batcher) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush(context.Background())
			return
		case <-b.stop:
			return
		case <-ticker.C:
			b.flushDue(ctx)
		case <-b.kick:
			b.flushDue(ctx)
		}
	}
}

// Stop halts the writer and drains every buffer. Safe to call more than once
// and without Start.
func (b *Batcher) Stop(ctx context.Context) error {
	b.once.Do(func() { close(b.stop) })
	if b.started.Load() {
		select {
		case <-b.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.Flush(ctx)
	return nil
}

// Flush writes every buffer now.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	batches := b.buffers
	b.buffers = make(map[string]*buffer)
	b.mu.Unlock()

	for tenant, buf := range batches {
		b.write(ctx, tenant, buf.entries)
	}
}

func (b *Batcher) flushDue(ctx context.Context) {
	now := b.now()

	b.mu.Lock()
	due := make(map[string][]Entry)
	for tenant, buf := range b.buffers {
		if len(buf.entries) >= b.cfg.MaxBatch ||
			now.Sub(buf.last) >= b.cfg.InactivityWindow ||
			now.Sub(buf.first) >= b.cfg.MaxAge {
			due[tenant] = buf.entries
			delete(b.buffers, tenant)
		}
	}
	b.mu.Unlock()

	for tenant, entries := range due {
		b.write(ctx, tenant, entries)
	}
}

func (b *Batcher) write(ctx context.Context, tenant string, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	for _, sink := range b.sinks {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkWriteTimeout)
		err := sink.Write(wctx, tenant, entries)
		cancel()
		if err != nil {
			b.logger.Error("failed to write selection logs, dropping batch",
				"sink", sink.Name(), "tenant", tenant, "entries", len(entries), "error", err)
			b.metrics.dropped(sink.Name(), len(entries))
			continue
		}
		b.metrics.flushed(sink.Name(), len(entries))
	}
}
