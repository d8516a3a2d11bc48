// ABOUTME: Store interface and data types for agent-relay persistence
// ABOUTME: Defines SessionMapping, PermissionRecord and the Store interface

package store

import (
	"context"
	"errors"

	"github.com/2389/agent-relay/internal/envelope"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicatePermission is returned when creating a permission record
// whose id already exists. Agent callbacks are retried, so creation must
// be idempotency-guarded.
var ErrDuplicatePermission = errors.New("permission record already exists")

// ErrPendingConflict is returned when creating a permission record for
// a conversation that already has a live pending one.
var ErrPendingConflict = errors.New("conversation already has a live pending permission")

// SessionMapping links a conversation to its current agent session.
// One mapping per conversation key; the session id is only replaced by
// an explicit new-session directive and only cleared by an explicit
// reset.
type SessionMapping struct {
	ConversationKey string
	SessionID       string
	Cwd             string
}

// Permission status values. Transitions are monotonic:
// pending -> submitted or pending -> expired, never reversed.
const (
	PermissionPending   = "pending"
	PermissionSubmitted = "submitted"
	PermissionExpired   = "expired"
)

// PermissionRecord is one approval request raised by an in-flight
// invocation, awaiting an out-of-band user decision.
type PermissionRecord struct {
	PermissionID    string
	ConversationKey string
	RequesterUserID string
	Status          string
	ExpiresAtUnix   int64
	Response        string // set when status is submitted
}

// Store is the durable port behind the orchestrator. Implementations
// must make single-key read-modify-write operations atomic; the
// orchestrator never performs multi-key transactions.
type Store interface {
	// Session mappings
	GetByConversation(ctx context.Context, key string) (*SessionMapping, error)
	GetConversationBySessionID(ctx context.Context, sessionID string) (*envelope.ConversationRef, error)
	SetForConversation(ctx context.Context, ref envelope.ConversationRef, sessionID, cwd string) error
	ClearForConversation(ctx context.Context, ref envelope.ConversationRef) error
	SetCwd(ctx context.Context, sessionID, cwd string) error
	GetCwd(ctx context.Context, sessionID string) (string, error)

	// Permission records.
	// CreatePermission refuses while the conversation already has a
	// pending record that is still live at nowUnix; the guard and the
	// insert must be atomic with respect to concurrent creators.
	CreatePermission(ctx context.Context, rec *PermissionRecord, nowUnix int64) error
	GetPermission(ctx context.Context, permissionID string) (*PermissionRecord, error)
	// TransitionPermission moves a record out of pending. Returns the
	// number of rows changed (0 when the record was already terminal),
	// so concurrent resolvers can detect who won.
	TransitionPermission(ctx context.Context, permissionID, status, response string) (int64, error)
	ListExpiredPending(ctx context.Context, nowUnix int64) ([]*PermissionRecord, error)
	HasPendingForConversation(ctx context.Context, key string, nowUnix int64) (bool, error)

	// Close releases any resources held by the store
	Close() error
}
