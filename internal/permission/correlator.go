// ABOUTME: Correlates mid-invocation approval requests with out-of-band user responses
// ABOUTME: Enforces the pending -> submitted | expired state machine with atomic resolution

package permission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agent-relay/internal/clock"
	"github.com/2389/agent-relay/internal/store"
)

// ErrPendingExists means the conversation already has a live pending
// request. A new one cannot be opened until it resolves or expires.
var ErrPendingExists = errors.New("conversation already has a pending permission request")

// Outcome classifies a resolution attempt. Late and duplicate attempts
// are expected steady-state conditions, not errors.
type Outcome string

const (
	OutcomeResolved         Outcome = "resolved"
	OutcomeAlreadySubmitted Outcome = "already_submitted"
	OutcomeExpired          Outcome = "expired"
	OutcomeMissing          Outcome = "missing"
)

// waiter is the in-process side of one pending record: the agent
// callback blocks on ch until a response is delivered or the channel is
// closed on expiry.
type waiter struct {
	ch chan string
}

// Correlator tracks pending permission requests. Records are durable
// (they survive restart via the store); waiters are process-local and
// simply absent for records created by a previous process.
type Correlator struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string]*waiter
}

// New creates a Correlator.
func New(s store.Store, clk clock.Clock, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		store:   s,
		clock:   clk,
		logger:  logger.With("component", "permission"),
		waiters: make(map[string]*waiter),
	}
}

// CreateRequest describes a new pending record.
type CreateRequest struct {
	PermissionID    string
	ConversationKey string
	RequesterUserID string
	ExpiresAtUnix   int64
}

// CreatePending opens a new pending record. Fails with
// store.ErrDuplicatePermission when the id already exists (retried
// agent callback) and ErrPendingExists when the conversation already
// has a live request. The live-request guard is atomic with the insert
// down in the store, so racing creators cannot both pass.
func (c *Correlator) CreatePending(ctx context.Context, req CreateRequest) error {
	rec := &store.PermissionRecord{
		PermissionID:    req.PermissionID,
		ConversationKey: req.ConversationKey,
		RequesterUserID: req.RequesterUserID,
		Status:          store.PermissionPending,
		ExpiresAtUnix:   req.ExpiresAtUnix,
	}
	if err := c.store.CreatePermission(ctx, rec, c.clock.NowUnix()); err != nil {
		if errors.Is(err, store.ErrPendingConflict) {
			return ErrPendingExists
		}
		return err
	}

	c.mu.Lock()
	c.waiters[req.PermissionID] = &waiter{ch: make(chan string, 1)}
	c.mu.Unlock()

	c.logger.Debug("permission request opened",
		"permission_id", req.PermissionID,
		"conversation", req.ConversationKey,
		"expires_at", req.ExpiresAtUnix)
	return nil
}

// Resolve attempts to submit a response for a pending record. Exactly
// one of two racing resolvers observes OutcomeResolved; the loser sees
// OutcomeAlreadySubmitted. Expiry is checked lazily here so a sweep is
// not required for correctness.
func (c *Correlator) Resolve(ctx context.Context, permissionID, response string) (Outcome, error) {
	rec, err := c.store.GetPermission(ctx, permissionID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeMissing, nil
	}
	if err != nil {
		return "", err
	}

	if rec.Status == store.PermissionExpired {
		return OutcomeExpired, nil
	}
	if rec.Status == store.PermissionSubmitted {
		return OutcomeAlreadySubmitted, nil
	}

	if c.clock.NowUnix() >= rec.ExpiresAtUnix {
		// Past deadline: expire instead of submitting. The conditional
		// transition keeps this race-safe against a concurrent resolver.
		if _, err := c.store.TransitionPermission(ctx, permissionID, store.PermissionExpired, ""); err != nil {
			return "", err
		}
		c.closeWaiter(permissionID)
		return OutcomeExpired, nil
	}

	n, err := c.store.TransitionPermission(ctx, permissionID, store.PermissionSubmitted, response)
	if err != nil {
		return "", err
	}
	if n == 0 {
		// Lost the race; report what actually happened.
		rec, err := c.store.GetPermission(ctx, permissionID)
		if err != nil {
			return "", err
		}
		if rec.Status == store.PermissionExpired {
			return OutcomeExpired, nil
		}
		return OutcomeAlreadySubmitted, nil
	}

	c.deliver(permissionID, response)
	c.logger.Debug("permission resolved", "permission_id", permissionID, "response", response)
	return OutcomeResolved, nil
}

// MarkExpired expires a record past its deadline. No-op when the record
// is already terminal or still live.
func (c *Correlator) MarkExpired(ctx context.Context, permissionID string) error {
	rec, err := c.store.GetPermission(ctx, permissionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status != store.PermissionPending || c.clock.NowUnix() < rec.ExpiresAtUnix {
		return nil
	}

	n, err := c.store.TransitionPermission(ctx, permissionID, store.PermissionExpired, "")
	if err != nil {
		return err
	}
	if n > 0 {
		c.closeWaiter(permissionID)
		c.logger.Debug("permission expired", "permission_id", permissionID)
	}
	return nil
}

// Abandon force-expires a record whose in-process waiter has been
// given up on, regardless of the deadline. Once the waiter is gone the
// record can never resolve, so leaving it pending would only block the
// conversation's next request until the TTL lapsed. No-op when the
// record is already terminal.
func (c *Correlator) Abandon(ctx context.Context, permissionID string) error {
	n, err := c.store.TransitionPermission(ctx, permissionID, store.PermissionExpired, "")
	if err != nil {
		return err
	}
	if n > 0 {
		c.closeWaiter(permissionID)
		c.logger.Debug("permission abandoned", "permission_id", permissionID)
	}
	return nil
}

// Sweep expires every pending record past its deadline. Called
// periodically by RunSweeper and once at startup to clean up records
// left over from a previous process.
func (c *Correlator) Sweep(ctx context.Context) error {
	recs, err := c.store.ListExpiredPending(ctx, c.clock.NowUnix())
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := c.MarkExpired(ctx, rec.PermissionID); err != nil {
			c.logger.Error("expiry sweep failed", "permission_id", rec.PermissionID, "error", err)
		}
	}
	return nil
}

// RunSweeper runs the background expiry sweep until ctx is cancelled.
func (c *Correlator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.Error("expiry sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Await blocks until the record resolves or expires, or ctx is
// cancelled. Returns the response and true on resolution; "" and false
// on expiry or cancellation.
func (c *Correlator) Await(ctx context.Context, permissionID string) (string, bool) {
	c.mu.Lock()
	w, ok := c.waiters[permissionID]
	c.mu.Unlock()
	if !ok {
		return "", false
	}

	select {
	case response, open := <-w.ch:
		if !open {
			return "", false
		}
		return response, true
	case <-ctx.Done():
		c.closeWaiter(permissionID)
		return "", false
	}
}

// deliver hands the response to the blocked waiter, if any.
func (c *Correlator) deliver(permissionID, response string) {
	c.mu.Lock()
	w, ok := c.waiters[permissionID]
	if ok {
		delete(c.waiters, permissionID)
	}
	c.mu.Unlock()

	if !ok {
		// Record created by a previous process; nothing is blocked on it.
		return
	}

	w.ch <- response
	close(w.ch)
}

// closeWaiter wakes a blocked waiter with no response.
func (c *Correlator) closeWaiter(permissionID string) {
	c.mu.Lock()
	w, ok := c.waiters[permissionID]
	if ok {
		delete(c.waiters, permissionID)
	}
	c.mu.Unlock()

	if ok {
		close(w.ch)
	}
}
