package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/taskrelay/internal/agent"
	"github.com/mattjoyce/taskrelay/internal/api"
	"github.com/mattjoyce/taskrelay/internal/auth"
	"github.com/mattjoyce/taskrelay/internal/capability"
	"github.com/mattjoyce/taskrelay/internal/config"
	"github.com/mattjoyce/taskrelay/internal/dispatch"
	"github.com/mattjoyce/taskrelay/internal/eligibility"
	"github.com/mattjoyce/taskrelay/internal/events"
	"github.com/mattjoyce/taskrelay/internal/lock"
	"github.com/mattjoyce/taskrelay/internal/log"
	"github.com/mattjoyce/taskrelay/internal/logstream"
	"github.com/mattjoyce/taskrelay/internal/reaper"
	"github.com/mattjoyce/taskrelay/internal/selectionlog"
	"github.com/mattjoyce/taskrelay/internal/storage"
	"github.com/mattjoyce/taskrelay/internal/task"
)

const shutdownTimeout = 10 * time.Second

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the dispatch API, selection-log writer and expiry reaper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
			logger := log.WithComponent("main")
			logger.Info("taskrelay starting", "version", version, "config", path, "driver", cfg.State.Driver)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				logger.Error("startup failed", "error", err)
				return err
			}
			defer a.close()

			if err := a.run(ctx); err != nil {
				logger.Error("component failed", "error", err)
				return err
			}
			logger.Info("taskrelay stopped")
			return nil
		},
	}
}

// app is the wired process. Fields are kept for shutdown and tests.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pidLock *lock.PIDLock
	db      *sql.DB
	nc      *nats.Conn

	tasks       *task.Store
	agents      *agent.SQLiteSource
	registry    *agent.Registry
	eligibility *eligibility.Cache
	logSink     *selectionlog.SQLiteSink
	batcher     *selectionlog.Batcher
	hub         *events.Hub
	metrics     *prometheus.Registry
	coordinator *dispatch.Coordinator
	reaper      *reaper.Reaper
	api         *api.Server
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	if cfg.State.Path == "" {
		return nil, errors.New("state.path is required: agents, eligibility results and selection logs live in SQLite")
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.pidLock, err = lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		return nil, fmt.Errorf("another instance may be using %s: %w", cfg.State.Path, err)
	}

	a.db, err = storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	logger.Info("database opened", "path", cfg.State.Path)

	backend, err := openTaskBackend(ctx, cfg.State, a.db)
	if err != nil {
		return nil, err
	}
	a.tasks = task.NewStore(backend)

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.hub = events.NewHub(events.DefaultCapacity)

	d := cfg.Dispatch
	results := eligibility.NewSQLiteSource(a.db)
	a.eligibility = eligibility.NewCache(results, d.EligibilityCacheSize, d.EligibilityCacheTTL)
	a.agents = agent.NewSQLiteSource(a.db)
	a.registry = agent.NewRegistry(a.agents, d.MaxHeartbeatAge, d.AgentCacheSize)
	evaluator := capability.NewEvaluator(a.eligibility, a.registry, eligibility.Policy{
		WhitelistTTL: d.WhitelistTTL,
		BlacklistTTL: d.BlacklistTTL,
	})

	opts := []dispatch.Option{
		dispatch.WithEvents(a.hub),
		dispatch.WithMetrics(dispatch.NewMetrics(a.metrics)),
	}

	if ls := cfg.LogStreaming; ls.URL != "" {
		client := logstream.NewClient(ls.URL, ls.ServiceToken, ls.Timeout)
		opts = append(opts, dispatch.WithTokens(logstream.NewTokenCache(client, ls.TokenTTL)))
		logger.Info("log streaming enabled", "url", ls.URL)
	}

	var pruner reaper.LogPruner
	if sl := cfg.SelectionLog; sl.Enabled {
		a.logSink = selectionlog.NewSQLiteSink(a.db)
		sinks := []selectionlog.Sink{a.logSink}
		if n := cfg.NATS; n.URL != "" {
			conn, js, err := selectionlog.ConnectJetStream(ctx, n.URL, n.Stream, n.SubjectPrefix)
			if err != nil {
				return nil, err
			}
			a.nc = conn
			sinks = append(sinks, selectionlog.NewNATSSink(js, n.SubjectPrefix))
			logger.Info("NATS selection-log sink enabled", "url", n.URL, "stream", n.Stream)
		}
		a.batcher = selectionlog.NewBatcher(selectionlog.Config{
			InactivityWindow: sl.InactivityWindow,
			SweepInterval:    sl.SweepInterval,
			MaxBatch:         sl.MaxBatch,
			MaxAge:           sl.MaxAge,
		}, sinks, selectionlog.WithMetrics(selectionlog.NewMetrics(a.metrics)))
		opts = append(opts, dispatch.WithSelectionLog(a.batcher))
		pruner = a.logSink
	}

	a.coordinator = dispatch.New(a.tasks, a.registry, evaluator, opts...)

	retention := time.Duration(0)
	if pruner != nil {
		retention = cfg.SelectionLog.Retention
	}
	a.reaper = reaper.New(reaper.Config{
		Interval:     cfg.Reaper.Interval,
		LogRetention: retention,
	}, a.tasks, pruner, a.hub, log.WithComponent("reaper"))

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes, AgentID: t.AgentID})
		}
		db := a.db
		a.api = api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, api.Deps{
			Dispatcher: a.coordinator,
			Tasks:      a.tasks,
			Agents:     a.agents,
			Registry:   a.registry,
			Results:    a.eligibility.Recorder(results),
			Events:     a.hub,
			Metrics:    promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}),
			Ready:      db.PingContext,
		}, log.WithComponent("api"))
	}

	return a, nil
}

// openTaskBackend picks the task store for state.driver. Everything else
// stays in SQLite.
func openTaskBackend(ctx context.Context, st config.StateConfig, db *sql.DB) (task.Backend, error) {
	switch st.Driver {
	case "", "sqlite":
		return task.NewSQLiteBackend(db), nil
	case "postgres":
		b, err := task.OpenPostgres(ctx, st.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres task store: %w", err)
		}
		return b, nil
	case "memory":
		return task.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown state.driver %q", st.Driver)
	}
}

// run blocks until ctx is cancelled or a component fails.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.batcher != nil {
		a.batcher.Start(gctx)
	}
	a.reaper.Start(gctx)

	if a.api != nil {
		g.Go(func() error {
			if err := a.api.Start(gctx); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		a.logger.Info("API server enabled", "listen", a.cfg.API.Listen)
	} else {
		a.logger.Warn("API disabled; agents cannot poll")
	}

	a.logger.Info("taskrelay running (press Ctrl+C to stop)")
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err := g.Wait()

	a.reaper.Stop()
	if a.batcher != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := a.batcher.Stop(sctx); serr != nil {
			a.logger.Warn("selection-log drain incomplete", "error", serr, "pending", a.batcher.Pending())
		}
	}
	return err
}

func (a *app) close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.logger.Warn("NATS drain failed", "error", err)
		}
	}
	if a.tasks != nil {
		_ = a.tasks.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.pidLock != nil {
		_ = a.pidLock.Release()
	}
}
