// Package api exposes the dispatch service over HTTP: the agent poll, the
// upstream registration and enqueue calls, and the ops endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/taskrelay/internal/agent"
	"github.com/mattjoyce/taskrelay/internal/auth"
	"github.com/mattjoyce/taskrelay/internal/dispatch"
	"github.com/mattjoyce/taskrelay/internal/eligibility"
	"github.com/mattjoyce/taskrelay/internal/events"
	"github.com/mattjoyce/taskrelay/internal/task"
)

// Acquirer answers agent polls.
type Acquirer interface {
	Acquire(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// TaskQueue is the task store surface the API needs.
type TaskQueue interface {
	Enqueue(ctx context.Context, req task.EnqueueRequest) (*task.Task, error)
	Get(ctx context.Context, tenant, id string) (*task.Task, error)
	Complete(ctx context.Context, tenant, id, agentID, instanceID string) (*task.Task, error)
}

// AgentRegistrar writes agent records.
type AgentRegistrar interface {
	Upsert(ctx context.Context, snap agent.Snapshot) error
	Heartbeat(ctx context.Context, tenant, id string, at time.Time) (bool, error)
}

// RegistryInvalidator drops a tenant's cached agent list.
type RegistryInvalidator interface {
	Invalidate(tenant string)
}

// ResultRecorder stores agent validation results.
type ResultRecorder interface {
	Record(ctx context.Context, r eligibility.Result) error
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Deps are the collaborators behind the routes. Registry, Metrics and
// Ready are optional.
type Deps struct {
	Dispatcher Acquirer
	Tasks      TaskQueue
	Agents     AgentRegistrar
	Registry   RegistryInvalidator
	Results    ResultRecorder
	Events     *events.Hub
	Metrics    http.Handler
	Ready      func(ctx context.Context) error
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	authn     *auth.Authenticator
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	now       func() time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Events == nil {
		deps.Events = events.NewHub(events.DefaultCapacity)
	}
	return &Server{
		config:    config,
		deps:      deps,
		authn:     auth.NewAuthenticator(config.APIKey, config.Tokens),
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// SSE streams stay open; the keep-alive ticker writes every 15s.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(s.requireOwnAgent)
			r.With(s.requireScopes(auth.ScopeAgent)).Get("/agent/{agentID}/tasks/{taskID}/acquire", s.handleAcquire)
			r.With(s.requireScopes(auth.ScopeAgent)).Post("/agent/{agentID}/tasks/{taskID}/complete", s.handleComplete)
			r.With(s.requireScopes(auth.ScopeAgent, auth.ScopeAgentsRW)).Post("/agents/{agentID}/heartbeat", s.handleHeartbeat)
			r.With(s.requireScopes(auth.ScopeAgent)).Put("/agents/{agentID}/validation-results", s.handleValidationResults)
		})

		r.With(s.requireScopes(auth.ScopeAgentsRW)).Put("/agents/{agentID}", s.handleRegisterAgent)
		r.With(s.requireScopes(auth.ScopeTasksRW)).Post("/tasks", s.handleEnqueue)
		r.With(s.requireScopes(auth.ScopeTasksRO)).Get("/tasks/{taskID}", s.handleGetTask)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
