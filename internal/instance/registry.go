// ABOUTME: Registry of warm per-conversation agent execution contexts
// ABOUTME: Single-flight creation, per-key invocation slots, idle eviction

package instance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/clock"
)

// Instance is the in-memory state for one warm conversation.
type Instance struct {
	key            string
	agentCtx       agent.Context
	lastActiveUnix int64
	idleTimer      clock.Timer
	seeded         map[string]bool
}

// invocation tracks the per-key invocation slot. It exists even while
// the instance is cold, because the slot is claimed before warmup.
type invocation struct {
	inFlight bool
	cancel   context.CancelFunc
}

// Options configures a Registry.
type Options struct {
	IdleTimeout   time.Duration
	WarmupTimeout time.Duration
}

// Registry owns every warm agent context in the process. One instance
// per conversation key; creation is single-flighted so N concurrent
// cold acquires construct exactly one context; idle contexts are
// evicted on a per-key timer.
type Registry struct {
	launcher agent.Launcher
	clock    clock.Clock
	logger   *slog.Logger
	opts     Options

	group singleflight.Group

	mu          sync.Mutex
	instances   map[string]*Instance
	invocations map[string]*invocation
}

// NewRegistry creates a Registry.
func NewRegistry(launcher agent.Launcher, clk clock.Clock, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WarmupTimeout <= 0 {
		opts.WarmupTimeout = 2 * time.Minute
	}
	return &Registry{
		launcher:    launcher,
		clock:       clk,
		logger:      logger.With("component", "instance"),
		opts:        opts,
		instances:   make(map[string]*Instance),
		invocations: make(map[string]*invocation),
	}
}

// Acquire returns the warm agent context for a key, constructing it on
// first use. Concurrent cold acquires share one construction; a
// construction failure propagates to every waiter and leaves nothing
// cached, so the next acquire retries cleanly. A warm hit refreshes the
// idle timer.
func (r *Registry) Acquire(ctx context.Context, key, cwd string) (agent.Context, error) {
	r.mu.Lock()
	if inst, ok := r.instances[key]; ok {
		r.touchLocked(inst)
		r.mu.Unlock()
		return inst.agentCtx, nil
	}
	r.mu.Unlock()

	ch := r.group.DoChan(key, func() (any, error) {
		// Re-check: another flight may have finished between the fast
		// path and this call.
		r.mu.Lock()
		if inst, ok := r.instances[key]; ok {
			r.touchLocked(inst)
			r.mu.Unlock()
			return inst.agentCtx, nil
		}
		r.mu.Unlock()

		// Warmup runs on its own context: the first caller bailing out
		// must not kill construction for the others.
		warmCtx, cancel := context.WithTimeout(context.Background(), r.opts.WarmupTimeout)
		defer cancel()

		agentCtx, err := r.launcher.Start(warmCtx, key, cwd)
		if err != nil {
			return nil, err
		}

		inst := &Instance{
			key:            key,
			agentCtx:       agentCtx,
			lastActiveUnix: r.clock.NowUnix(),
			seeded:         make(map[string]bool),
		}

		r.mu.Lock()
		inst.idleTimer = r.clock.AfterFunc(r.opts.IdleTimeout, func() {
			r.evictIfIdle(key)
		})
		r.instances[key] = inst
		r.mu.Unlock()

		r.logger.Info("agent context started", "conversation", key)
		return agentCtx, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("starting agent context: %w", res.Err)
		}
		return res.Val.(agent.Context), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Touch records activity and pushes the idle deadline out.
func (r *Registry) Touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[key]; ok {
		r.touchLocked(inst)
	}
}

// touchLocked must be called with mu held.
func (r *Registry) touchLocked(inst *Instance) {
	inst.lastActiveUnix = r.clock.NowUnix()
	if inst.idleTimer != nil {
		inst.idleTimer.Reset(r.opts.IdleTimeout)
	}
}

// TryBegin claims the invocation slot for a key without blocking.
// Returns false when an invocation is already in flight; the caller
// queues the event as backlog instead.
func (r *Registry) TryBegin(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv := r.invocations[key]
	if inv == nil {
		inv = &invocation{}
		r.invocations[key] = inv
	}
	if inv.inFlight {
		return false
	}
	inv.inFlight = true
	return true
}

// SetCancel registers the cancel function for the current invocation so
// an interrupt can abort it. Passing nil clears the registration; a
// drain loop does this between invocations so CancelActive never
// reports a cancel that no longer aborts anything.
func (r *Registry) SetCancel(key string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inv := r.invocations[key]; inv != nil && inv.inFlight {
		inv.cancel = cancel
	}
}

// End releases the invocation slot.
func (r *Registry) End(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inv := r.invocations[key]; inv != nil {
		inv.inFlight = false
		inv.cancel = nil
		delete(r.invocations, key)
	}
}

// InFlight reports whether the key has an invocation running.
func (r *Registry) InFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv := r.invocations[key]
	return inv != nil && inv.inFlight
}

// CancelActive cancels the current invocation for a key, if any. The
// warm context is left alone; only the call is aborted. Returns whether
// something was cancelled.
func (r *Registry) CancelActive(key string) bool {
	r.mu.Lock()
	inv := r.invocations[key]
	var cancel context.CancelFunc
	if inv != nil && inv.inFlight && inv.cancel != nil {
		cancel = inv.cancel
	}
	r.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// MarkSeeded records that named guidance was seeded into this context.
// Returns true the first time, false thereafter.
func (r *Registry) MarkSeeded(key, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[key]
	if !ok {
		return false
	}
	if inst.seeded[name] {
		return false
	}
	inst.seeded[name] = true
	return true
}

// evictIfIdle runs on the idle timer. A key with an invocation in
// flight is rescheduled, never evicted mid-call.
func (r *Registry) evictIfIdle(key string) {
	r.mu.Lock()
	inst, ok := r.instances[key]
	if !ok {
		r.mu.Unlock()
		return
	}

	if inv := r.invocations[key]; inv != nil && inv.inFlight {
		inst.idleTimer.Reset(r.opts.IdleTimeout)
		r.mu.Unlock()
		return
	}

	idleFor := r.clock.NowUnix() - inst.lastActiveUnix
	if idleFor < int64(r.opts.IdleTimeout/time.Second) {
		// Touched after the timer was armed; push the deadline out by
		// what remains.
		remaining := r.opts.IdleTimeout - time.Duration(idleFor)*time.Second
		inst.idleTimer.Reset(remaining)
		r.mu.Unlock()
		return
	}

	delete(r.instances, key)
	r.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := inst.agentCtx.Close(closeCtx); err != nil {
		r.logger.Warn("closing idle agent context", "conversation", key, "error", err)
	}
	r.logger.Info("agent context evicted", "conversation", key, "idle_seconds", idleFor)
}

// Teardown forcibly removes a key's instance: cancels any in-flight
// invocation, stops the idle timer, and closes the agent context.
// No-op when the key is cold.
func (r *Registry) Teardown(ctx context.Context, key string) error {
	r.CancelActive(key)

	r.mu.Lock()
	inst, ok := r.instances[key]
	if ok {
		delete(r.instances, key)
		if inst.idleTimer != nil {
			inst.idleTimer.Stop()
		}
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	if err := inst.agentCtx.Close(ctx); err != nil {
		return fmt.Errorf("closing agent context: %w", err)
	}
	r.logger.Info("agent context torn down", "conversation", key)
	return nil
}

// Shutdown tears down every warm instance, in parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.instances))
	for key := range r.instances {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			return r.Teardown(ctx, key)
		})
	}
	return g.Wait()
}

// Count returns the number of warm instances.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}
