// ABOUTME: Ports to the coding-agent process serving one conversation
// ABOUTME: Launcher creates execution contexts; Context runs serialized invocations

package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/agent-relay/internal/envelope"
)

// ErrNoSession indicates an invocation that requires an existing agent
// session was attempted before one was created.
var ErrNoSession = errors.New("no agent session")

// SessionError is a per-session agent failure. Recoverable failures are
// reported to the user and leave the warm context in place; an
// unrecoverable failure means the underlying context is permanently
// broken and must be torn down so the next event re-creates it.
type SessionError struct {
	Op            string
	Unrecoverable bool
	Err           error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// IsUnrecoverable reports whether err carries an unrecoverable session
// failure anywhere in its chain.
func IsUnrecoverable(err error) bool {
	var se *SessionError
	return errors.As(err, &se) && se.Unrecoverable
}

// Decision is the orchestrator's answer to a permission request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// PermissionRequest is an approval prompt raised by the agent mid-call.
// The orchestrator answers it by correlating an out-of-band user
// response; the call blocks until a decision or expiry.
type PermissionRequest struct {
	PermissionID string
	ToolName     string
	Description  string
}

// Callbacks are invoked by the agent while a call is in flight.
type Callbacks struct {
	// OnActivity fires on agent output so the registry can refresh the
	// idle timer during long invocations.
	OnActivity func()

	// OnPermission answers a mid-call approval request. A nil callback
	// denies everything.
	OnPermission func(ctx context.Context, req PermissionRequest) Decision
}

// PromptRequest runs free text through the agent.
type PromptRequest struct {
	Prompt      string
	Attachments []envelope.Attachment
	SessionID   string
	Cwd         string
	Callbacks   Callbacks
}

// CommandRequest runs a named agent command (everything the router does
// not resolve as a built-in).
type CommandRequest struct {
	Command   string
	Args      string
	SessionID string
	Cwd       string
	Callbacks Callbacks
}

// Result is the outcome of one invocation.
type Result struct {
	Text        string
	Attachments []envelope.Attachment

	// SessionID is the agent session in effect after the call. The
	// orchestrator persists it when it differs from the stored mapping.
	SessionID string

	// Cwd is the working directory in effect after the call, empty when
	// unchanged.
	Cwd string
}

// Context is one warm per-conversation agent execution context. All
// methods honor ctx cancellation; at most one call runs at a time (the
// registry's invocation slot enforces this).
type Context interface {
	CreateSession(ctx context.Context, cwd string) (*Result, error)
	RunPrompt(ctx context.Context, req PromptRequest) (*Result, error)
	RunCommand(ctx context.Context, req CommandRequest) (*Result, error)
	Close(ctx context.Context) error
}

// Launcher constructs execution contexts. Implemented by the process
// adapter that owns the agent subprocess and its wire protocol; from
// the orchestrator's side construction is the expensive warmup that the
// instance registry single-flights.
type Launcher interface {
	Start(ctx context.Context, conversationKey, cwd string) (Context, error)
}
