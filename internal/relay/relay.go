// ABOUTME: Top-level wiring of the orchestrator: store, registry, correlator, router
// ABOUTME: Owns the pidfile lock, background sweepers, and graceful shutdown

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/backlog"
	"github.com/2389/agent-relay/internal/clock"
	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/dedupe"
	"github.com/2389/agent-relay/internal/envelope"
	"github.com/2389/agent-relay/internal/instance"
	"github.com/2389/agent-relay/internal/lock"
	"github.com/2389/agent-relay/internal/permission"
	"github.com/2389/agent-relay/internal/router"
	"github.com/2389/agent-relay/internal/store"
)

// sweepInterval paces the permission expiry and dedupe sweeps.
const sweepInterval = 30 * time.Second

// Relay assembles the orchestrator around a caller-provided agent
// Launcher and outbound Sink. Bridges live outside this module and
// feed events through Handle.
type Relay struct {
	cfg      *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	store    store.Store
	registry *instance.Registry
	perms    *permission.Correlator
	router   *router.Router
	dedupe   *dedupe.Cache
	version  string
}

// Options carries the ports a deployment must provide.
type Options struct {
	Launcher agent.Launcher
	Sink     router.Sink

	// Clock defaults to the system clock.
	Clock clock.Clock

	Version string
}

// New builds a Relay from configuration. The store is opened here so a
// bad database path fails fast; the pidfile lock is taken in Run.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Relay, error) {
	if opts.Launcher == nil {
		return nil, fmt.Errorf("relay: Launcher is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("relay: Sink is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	registry := instance.NewRegistry(opts.Launcher, clk, instance.Options{
		IdleTimeout: cfg.Agent.IdleTimeout,
	}, logger)
	perms := permission.New(st, clk, logger)
	dd := dedupe.New(clk, cfg.Delivery.DedupeTTL, cfg.Delivery.DedupeMax)

	rt := router.New(registry, st, perms, backlog.NewBuffer(), dd, clk, opts.Sink, router.Config{
		BacklogPolicy: backlog.Policy(cfg.Agent.BacklogPolicy),
		PermissionTTL: cfg.Agent.PermissionTTL,
		MaxChunkChars: cfg.Delivery.MaxChunkChars,
		Guidance:      cfg.Agent.Guidance,
		Version:       opts.Version,
	}, logger)

	return &Relay{
		cfg:      cfg,
		logger:   logger.With("component", "relay"),
		clock:    clk,
		store:    st,
		registry: registry,
		perms:    perms,
		router:   rt,
		dedupe:   dd,
		version:  opts.Version,
	}, nil
}

// Handle routes one inbound bridge event. Safe for concurrent use.
func (r *Relay) Handle(ctx context.Context, in envelope.Inbound) error {
	return r.router.Handle(ctx, in)
}

// Stale reports whether a message timestamp should be treated as
// backlog by a reconnecting bridge.
func (r *Relay) Stale(receivedAtUnix int64) bool {
	return backlog.IsBacklogMessage(receivedAtUnix, r.clock.NowUnix(),
		int64(r.cfg.Agent.StaleThreshold/time.Second))
}

// Run blocks until ctx is cancelled, then shuts everything down. It
// owns the pidfile lock and the background sweepers.
func (r *Relay) Run(ctx context.Context) error {
	if r.cfg.Agent.PidFile != "" {
		l, err := lock.Acquire(r.cfg.Agent.PidFile)
		if err != nil {
			return fmt.Errorf("acquiring pidfile: %w", err)
		}
		defer func() {
			if rerr := l.Release(); rerr != nil {
				r.logger.Warn("releasing pidfile", "error", rerr)
			}
		}()
	}

	// Clean up permission records a previous process left pending.
	if err := r.perms.Sweep(ctx); err != nil {
		r.logger.Warn("startup permission sweep", "error", err)
	}

	go r.perms.RunSweeper(ctx, sweepInterval)
	go r.runDedupeSweeper(ctx)

	r.logger.Info("relay started",
		"database", r.cfg.Database.Path,
		"backlog_policy", r.cfg.Agent.BacklogPolicy,
		"idle_timeout", r.cfg.Agent.IdleTimeout.String())

	<-ctx.Done()
	return r.Shutdown()
}

// runDedupeSweeper trims expired dedupe entries in the background.
func (r *Relay) runDedupeSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.dedupe.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown tears down every warm agent context and closes the store.
func (r *Relay) Shutdown() error {
	r.logger.Info("relay shutting down", "warm_contexts", r.registry.Count())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if err := r.registry.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("registry shutdown", "error", err)
		firstErr = err
	}
	if err := r.store.Close(); err != nil {
		r.logger.Error("store close", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Store exposes the persistence port for operational tooling.
func (r *Relay) Store() store.Store {
	return r.store
}
