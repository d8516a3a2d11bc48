// ABOUTME: Built-in slash commands resolved locally, without an agent invocation
// ABOUTME: help, pid, status, cwd, reset, and interrupt (with its common typo)

package builtins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/2389/agent-relay/internal/backlog"
	"github.com/2389/agent-relay/internal/clock"
	"github.com/2389/agent-relay/internal/envelope"
	"github.com/2389/agent-relay/internal/instance"
	"github.com/2389/agent-relay/internal/store"
)

// Deps are the collaborators built-in commands act on.
type Deps struct {
	Registry *instance.Registry
	Store    store.Store
	Backlog  *backlog.Buffer
	Clock    clock.Clock
	Version  string
}

// Handler resolves one built-in command into an outbound envelope.
type Handler func(ctx context.Context, deps Deps, in envelope.Inbound, args string) envelope.Outbound

// handlers maps command tokens to their handlers. "interupt" is a typo
// users hit often enough mid-run that it is accepted as an alias.
var handlers = map[string]Handler{
	"help":      Help,
	"pid":       Pid,
	"status":    Status,
	"cwd":       Cwd,
	"reset":     Reset,
	"interrupt": Interrupt,
	"interupt":  Interrupt,
}

// Resolve returns the handler for a command token, if it is built in.
func Resolve(command string) (Handler, bool) {
	h, ok := handlers[command]
	return h, ok
}

// Usage is the reply for an empty or unrecognized command token. Not an
// error: users typo.
func Usage(command string) string {
	const available = "Available: /help /new /reset /cwd /status /pid /interrupt. Anything else goes to the agent."
	if command == "" {
		return available
	}
	return fmt.Sprintf("Unknown command /%s. %s", command, available)
}

// Help describes the built-in command set.
func Help(ctx context.Context, deps Deps, in envelope.Inbound, args string) envelope.Outbound {
	text := strings.Join([]string{
		"Commands:",
		"/new - start a fresh agent session",
		"/reset - forget this conversation's session and shut its agent down",
		"/cwd <path> - set the session working directory",
		"/status - conversation and relay status",
		"/pid - relay process id",
		"/interrupt - cancel the running invocation",
		"Anything else is sent to the agent.",
	}, "\n")
	return envelope.Reply(in, text)
}

// Pid reports the relay process id.
func Pid(ctx context.Context, deps Deps, in envelope.Inbound, args string) envelope.Outbound {
	return envelope.Reply(in, fmt.Sprintf("pid %d (version %s)", os.Getpid(), deps.Version))
}

// Status reports per-conversation and process-wide orchestrator state.
func Status(ctx context.Context, deps Deps, in envelope.Inbound, args string) envelope.Outbound {
	key := envelope.Key(in.Conversation)

	var b strings.Builder
	fmt.Fprintf(&b, "conversation %s\n", key)

	if mapping, err := deps.Store.GetByConversation(ctx, key); err == nil {
		fmt.Fprintf(&b, "session %s", mapping.SessionID)
		if mapping.Cwd != "" {
			fmt.Fprintf(&b, " (cwd %s)", mapping.Cwd)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("no session yet\n")
	}

	if deps.Registry.InFlight(key) {
		b.WriteString("invocation: running\n")
	} else {
		b.WriteString("invocation: idle\n")
	}
	if has, err := deps.Store.HasPendingForConversation(ctx, key, deps.Clock.NowUnix()); err == nil && has {
		b.WriteString("approval: waiting on your decision\n")
	}
	fmt.Fprintf(&b, "backlog: %d queued\n", deps.Backlog.Len(key))
	fmt.Fprintf(&b, "warm contexts: %d", deps.Registry.Count())

	return envelope.Reply(in, b.String())
}

// Cwd sets the working directory for the conversation's session.
func Cwd(ctx context.Context, deps Deps, in envelope.Inbound, args string) envelope.Outbound {
	path := strings.TrimSpace(args)
	if path == "" {
		key := envelope.Key(in.Conversation)
		mapping, err := deps.Store.GetByConversation(ctx, key)
		if err != nil || mapping.Cwd == "" {
			return envelope.Reply(in, "No working directory set. Usage: /cwd <path>")
		}
		return envelope.Reply(in, mapping.Cwd)
	}

	key := envelope.Key(in.Conversation)
	mapping, err := deps.Store.GetByConversation(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return envelope.Reply(in, "No session yet. Send a message first, then set /cwd.")
	}
	if err != nil {
		return envelope.Reply(in, fmt.Sprintf("Could not look up this conversation: %v", err))
	}

	if err := deps.Store.SetCwd(ctx, mapping.SessionID, path); err != nil {
		return envelope.Reply(in, fmt.Sprintf("Could not set working directory: %v", err))
	}
	return envelope.Reply(in, fmt.Sprintf("Working directory set to %s", path))
}

// Reset clears the conversation's session mapping and tears down its
// warm context. The next message starts from scratch.
func Reset(ctx context.Context, deps Deps, in envelope.Inbound, args string) envelope.Outbound {
	key := envelope.Key(in.Conversation)

	if err := deps.Store.ClearForConversation(ctx, in.Conversation); err != nil {
		return envelope.Reply(in, fmt.Sprintf("Reset failed: %v", err))
	}
	if err := deps.Registry.Teardown(ctx, key); err != nil {
		return envelope.Reply(in, fmt.Sprintf("Session forgotten, but context teardown failed: %v", err))
	}
	return envelope.Reply(in, "Conversation reset. The next message starts a fresh session.")
}

// Interrupt cancels the in-flight invocation for this conversation.
// It never evicts the warm context, only the current call.
func Interrupt(ctx context.Context, deps Deps, in envelope.Inbound, args string) envelope.Outbound {
	key := envelope.Key(in.Conversation)

	if deps.Registry.CancelActive(key) {
		return envelope.Reply(in, "Interrupted.")
	}
	return envelope.Reply(in, "Nothing is running.")
}
