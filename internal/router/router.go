// ABOUTME: Central event router: dedupe, classification, built-ins, invocation pipeline
// ABOUTME: Enforces one invocation per conversation and drains backlog by policy

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/backlog"
	"github.com/2389/agent-relay/internal/builtins"
	"github.com/2389/agent-relay/internal/clock"
	"github.com/2389/agent-relay/internal/dedupe"
	"github.com/2389/agent-relay/internal/envelope"
	"github.com/2389/agent-relay/internal/instance"
	"github.com/2389/agent-relay/internal/permission"
	"github.com/2389/agent-relay/internal/store"
)

// Sink delivers outbound envelopes back to the bridge that owns the
// conversation.
type Sink interface {
	Deliver(ctx context.Context, out envelope.Outbound) error
}

// Config tunes router behavior.
type Config struct {
	BacklogPolicy backlog.Policy
	PermissionTTL time.Duration
	MaxChunkChars int

	// Guidance is seeded into each agent context ahead of its first
	// prompt. Empty disables seeding.
	Guidance string

	Version string
}

// Router is the single entry point for inbound bridge events. Every
// event is deduplicated, classified, and either answered locally
// (built-in commands, permission button taps) or turned into an agent
// invocation under the conversation's invocation slot.
type Router struct {
	registry *instance.Registry
	store    store.Store
	perms    *permission.Correlator
	backlog  *backlog.Buffer
	dedupe   *dedupe.Cache
	clock    clock.Clock
	sink     Sink
	logger   *slog.Logger
	cfg      Config
}

// New creates a Router.
func New(
	registry *instance.Registry,
	st store.Store,
	perms *permission.Correlator,
	buf *backlog.Buffer,
	dd *dedupe.Cache,
	clk clock.Clock,
	sink Sink,
	cfg Config,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		store:    st,
		perms:    perms,
		backlog:  buf,
		dedupe:   dd,
		clock:    clk,
		sink:     sink,
		logger:   logger.With("component", "router"),
		cfg:      cfg,
	}
}

// Handle routes one inbound event to completion. Blocking is by
// design: a bridge calls Handle on its own goroutine per event, and the
// invocation slot keeps concurrent events for one conversation from
// racing each other.
func (r *Router) Handle(ctx context.Context, in envelope.Inbound) error {
	if in.Event == nil {
		return nil
	}
	key := envelope.Key(in.Conversation)

	if in.MessageID != "" {
		dedupeKey := "bridge:" + in.BridgeID + ":" + in.MessageID
		if r.dedupe.CheckAndMark(dedupeKey) {
			r.logger.Debug("duplicate delivery suppressed",
				"conversation", key, "message_id", in.MessageID)
			return nil
		}
	}

	switch ev := in.Event.(type) {
	case envelope.ButtonEvent:
		if id, verb, ok := parsePermissionPayload(ev.Payload); ok {
			return r.handlePermissionResponse(ctx, in, id, verb)
		}
		// Non-permission buttons are forwarded as agent input.
		return r.dispatch(ctx, key, in)

	case envelope.SlashEvent:
		return r.handleCommand(ctx, key, in, normalizeCommand(ev.Command), ev.Args)

	case envelope.TextEvent:
		if cmd, args, ok := splitCommandText(ev.Body); ok {
			return r.handleCommand(ctx, key, in, cmd, args)
		}
		return r.dispatch(ctx, key, in)

	case envelope.MediaEvent:
		return r.dispatch(ctx, key, in)

	case envelope.SystemEvent:
		r.logger.Debug("system event ignored", "conversation", key, "kind", ev.Kind)
		return nil

	default:
		r.logger.Warn("unhandled event kind",
			"conversation", key, "kind", envelope.KindOf(in.Event))
		return nil
	}
}

// handleCommand answers built-ins locally and forwards everything else
// to the agent, which knows its own command set.
func (r *Router) handleCommand(ctx context.Context, key string, in envelope.Inbound, command, args string) error {
	if command == "" {
		return r.deliver(ctx, envelope.Reply(in, builtins.Usage("")))
	}
	if h, ok := builtins.Resolve(command); ok {
		return r.deliver(ctx, h(ctx, r.deps(), in, args))
	}

	// "new" and agent commands run under the invocation slot. The event
	// is re-shaped so dispatch sees the normalized command.
	in.Event = envelope.SlashEvent{Command: command, Args: args}
	return r.dispatch(ctx, key, in)
}

// dispatch claims the conversation's invocation slot, runs the event,
// and drains the backlog that accumulated while the slot was held. When
// the slot is busy, the event is queued instead and the current holder
// picks it up.
func (r *Router) dispatch(ctx context.Context, key string, in envelope.Inbound) error {
	msgs := []envelope.Inbound{in}
	if !r.registry.TryBegin(key) {
		depth := r.backlog.Append(key, in)
		if r.cfg.BacklogPolicy.CancelsInflight() {
			r.registry.CancelActive(key)
		}
		r.logger.Info("queued while busy",
			"conversation", key, "depth", depth, "policy", string(r.cfg.BacklogPolicy))
		// The holder may have exited between the failed claim and the
		// append, leaving nobody to drain this message. Reclaim the
		// slot and drain from this side if so.
		if !r.registry.TryBegin(key) {
			return nil
		}
		msgs = backlog.Choose(r.backlog.Take(key), r.cfg.BacklogPolicy)
	}

	for {
		for _, m := range msgs {
			r.invoke(ctx, key, m)
		}

		msgs = backlog.Choose(r.backlog.Take(key), r.cfg.BacklogPolicy)
		if len(msgs) > 0 {
			continue
		}

		r.registry.End(key)
		// Same race from the holder's side: a message that landed
		// between the final Take and End would strand until the next
		// event; claim the slot back and drain.
		if r.backlog.Len(key) == 0 || !r.registry.TryBegin(key) {
			return nil
		}
		msgs = backlog.Choose(r.backlog.Take(key), r.cfg.BacklogPolicy)
		if len(msgs) == 0 {
			r.registry.End(key)
			return nil
		}
	}
}

// invoke runs one event against the conversation's agent context. The
// invocation slot is already held. Failures are reported to the user,
// never returned: the drain loop must keep going.
func (r *Router) invoke(ctx context.Context, key string, in envelope.Inbound) {
	invCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.registry.SetCancel(key, cancel)
	// Clear the registration on the way out: the slot stays held while
	// the drain loop moves to the next message, and an interrupt in that
	// gap must not report a cancel that no longer aborts anything.
	defer r.registry.SetCancel(key, nil)

	var mapping store.SessionMapping
	if m, err := r.store.GetByConversation(invCtx, key); err == nil {
		mapping = *m
	} else if !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("session lookup failed", "conversation", key, "error", err)
		r.notify(ctx, in, "Looking up this conversation failed. Try again in a moment.")
		return
	}

	agentCtx, err := r.registry.Acquire(invCtx, key, mapping.Cwd)
	if err != nil {
		r.logger.Error("agent context acquire failed", "conversation", key, "error", err)
		r.notify(ctx, in, "The agent could not be started. Try again in a moment.")
		return
	}
	r.registry.Touch(key)

	callbacks := agent.Callbacks{
		OnActivity: func() { r.registry.Touch(key) },
		OnPermission: func(cbCtx context.Context, req agent.PermissionRequest) agent.Decision {
			return r.answerPermission(cbCtx, key, in, req)
		},
	}

	result, err := r.run(invCtx, key, in, agentCtx, mapping, callbacks)
	r.registry.Touch(key)

	if err != nil {
		if invCtx.Err() != nil || errors.Is(err, context.Canceled) {
			r.notify(ctx, in, "Interrupted.")
			return
		}
		r.logger.Error("invocation failed",
			"conversation", key, "kind", envelope.KindOf(in.Event), "error", err)
		if agent.IsUnrecoverable(err) {
			if terr := r.registry.Teardown(context.WithoutCancel(ctx), key); terr != nil {
				r.logger.Error("teardown after unrecoverable failure", "conversation", key, "error", terr)
			}
			r.notify(ctx, in, "The agent hit an unrecoverable error and was shut down. Your next message starts fresh.")
			return
		}
		r.notify(ctx, in, fmt.Sprintf("The agent failed: %v", err))
		return
	}
	if result == nil {
		return
	}

	r.persistSession(ctx, in, mapping, result)
	r.sendResult(ctx, in, result)
}

// run shapes the event into the matching agent call.
func (r *Router) run(
	ctx context.Context,
	key string,
	in envelope.Inbound,
	agentCtx agent.Context,
	mapping store.SessionMapping,
	callbacks agent.Callbacks,
) (*agent.Result, error) {
	switch ev := in.Event.(type) {
	case envelope.SlashEvent:
		if ev.Command == "new" {
			return agentCtx.CreateSession(ctx, mapping.Cwd)
		}
		return agentCtx.RunCommand(ctx, agent.CommandRequest{
			Command:   ev.Command,
			Args:      ev.Args,
			SessionID: mapping.SessionID,
			Cwd:       mapping.Cwd,
			Callbacks: callbacks,
		})

	case envelope.TextEvent:
		return agentCtx.RunPrompt(ctx, agent.PromptRequest{
			Prompt:    r.seedGuidance(key, ev.Body),
			SessionID: mapping.SessionID,
			Cwd:       mapping.Cwd,
			Callbacks: callbacks,
		})

	case envelope.MediaEvent:
		prompt := ev.Caption
		if prompt == "" {
			prompt = "The user uploaded a file."
		}
		return agentCtx.RunPrompt(ctx, agent.PromptRequest{
			Prompt: r.seedGuidance(key, prompt),
			Attachments: []envelope.Attachment{{
				Filename: filepath.Base(ev.Path),
				MimeType: ev.MimeType,
				Path:     ev.Path,
			}},
			SessionID: mapping.SessionID,
			Cwd:       mapping.Cwd,
			Callbacks: callbacks,
		})

	case envelope.ButtonEvent:
		return agentCtx.RunPrompt(ctx, agent.PromptRequest{
			Prompt:    ev.Payload,
			SessionID: mapping.SessionID,
			Cwd:       mapping.Cwd,
			Callbacks: callbacks,
		})
	}
	return nil, nil
}

// seedGuidance prepends the configured guidance exactly once per warm
// context.
func (r *Router) seedGuidance(key, prompt string) string {
	if r.cfg.Guidance == "" || !r.registry.MarkSeeded(key, "guidance") {
		return prompt
	}
	return r.cfg.Guidance + "\n\n" + prompt
}

// answerPermission turns an in-flight approval request into a button
// prompt and blocks until the user answers, the request expires, or the
// invocation is cancelled.
func (r *Router) answerPermission(ctx context.Context, key string, in envelope.Inbound, req agent.PermissionRequest) agent.Decision {
	id := req.PermissionID
	if id == "" {
		id = uuid.NewString()
	}
	expiresAt := r.clock.NowUnix() + int64(r.cfg.PermissionTTL/time.Second)

	err := r.perms.CreatePending(ctx, permission.CreateRequest{
		PermissionID:    id,
		ConversationKey: key,
		RequesterUserID: in.UserID,
		ExpiresAtUnix:   expiresAt,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicatePermission):
		// Retried agent callback; the record already exists, fall
		// through to waiting on it.
	case errors.Is(err, permission.ErrPendingExists):
		r.notify(ctx, in, "Another approval is already pending for this conversation; denying this one.")
		return agent.DecisionDeny
	default:
		r.logger.Error("opening permission request", "conversation", key, "error", err)
		return agent.DecisionDeny
	}

	prompt := envelope.Reply(in, fmt.Sprintf("The agent wants to use %s: %s", req.ToolName, req.Description))
	prompt.Buttons = []envelope.Button{
		{Label: "Allow", Payload: "perm:" + id + ":allow"},
		{Label: "Deny", Payload: "perm:" + id + ":deny"},
	}
	if err := r.sink.Deliver(ctx, prompt); err != nil {
		r.logger.Error("delivering permission prompt", "conversation", key, "error", err)
		return agent.DecisionDeny
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.PermissionTTL)
	defer cancel()

	response, ok := r.perms.Await(waitCtx, id)
	if !ok {
		// The waiter is gone, whether by timeout or because the
		// invocation was cancelled mid-wait. The record can never
		// resolve now, so expire it immediately; leaving it pending
		// would block the conversation's next request until the TTL
		// lapsed.
		if err := r.perms.Abandon(context.WithoutCancel(ctx), id); err != nil {
			r.logger.Error("abandoning unanswered permission", "permission_id", id, "error", err)
		}
		r.logger.Info("permission request unanswered",
			"conversation", key, "permission_id", id)
		return agent.DecisionDeny
	}
	if response == "allow" {
		return agent.DecisionAllow
	}
	return agent.DecisionDeny
}

// handlePermissionResponse records a button tap against its pending
// record. Late and duplicate taps get a factual reply, never an error.
func (r *Router) handlePermissionResponse(ctx context.Context, in envelope.Inbound, id, verb string) error {
	outcome, err := r.perms.Resolve(ctx, id, verb)
	if err != nil {
		r.logger.Error("resolving permission", "permission_id", id, "error", err)
		return r.notify(ctx, in, "Recording your response failed. Try tapping again.")
	}

	var text string
	switch outcome {
	case permission.OutcomeResolved:
		if verb == "allow" {
			text = "Approved."
		} else {
			text = "Denied."
		}
	case permission.OutcomeAlreadySubmitted:
		text = "This request was already answered."
	case permission.OutcomeExpired:
		text = "This request expired before it was answered."
	default:
		text = "Unknown approval request."
	}
	return r.notify(ctx, in, text)
}

// persistSession stores the session id and cwd the agent reported, when
// they changed.
func (r *Router) persistSession(ctx context.Context, in envelope.Inbound, prev store.SessionMapping, result *agent.Result) {
	if result.SessionID == "" {
		return
	}
	if result.SessionID == prev.SessionID && (result.Cwd == "" || result.Cwd == prev.Cwd) {
		return
	}
	if err := r.store.SetForConversation(context.WithoutCancel(ctx), in.Conversation, result.SessionID, result.Cwd); err != nil {
		r.logger.Error("persisting session mapping",
			"conversation", envelope.Key(in.Conversation), "session_id", result.SessionID, "error", err)
	}
}

// sendResult delivers the invocation result, chunked to the configured
// limit.
func (r *Router) sendResult(ctx context.Context, in envelope.Inbound, result *agent.Result) {
	chunks := envelope.SplitChunks(result.Text, r.cfg.MaxChunkChars)
	if len(chunks) == 0 && len(result.Attachments) == 0 {
		return
	}

	out := envelope.Outbound{
		BridgeID:     in.BridgeID,
		Conversation: in.Conversation,
		Chunks:       chunks,
		Attachments:  result.Attachments,
	}
	if err := r.sink.Deliver(context.WithoutCancel(ctx), out); err != nil {
		r.logger.Error("delivering result",
			"conversation", envelope.Key(in.Conversation), "error", err)
	}
}

// notify sends a short status line back to the conversation. Delivery
// survives invocation cancellation.
func (r *Router) notify(ctx context.Context, in envelope.Inbound, text string) error {
	if err := r.sink.Deliver(context.WithoutCancel(ctx), envelope.Reply(in, text)); err != nil {
		r.logger.Error("delivering notice",
			"conversation", envelope.Key(in.Conversation), "error", err)
		return err
	}
	return nil
}

// deliver sends an already-built outbound envelope.
func (r *Router) deliver(ctx context.Context, out envelope.Outbound) error {
	return r.sink.Deliver(context.WithoutCancel(ctx), out)
}

func (r *Router) deps() builtins.Deps {
	return builtins.Deps{
		Registry: r.registry,
		Store:    r.store,
		Backlog:  r.backlog,
		Clock:    r.clock,
		Version:  r.cfg.Version,
	}
}

// parsePermissionPayload decodes "perm:<id>:<verb>" button payloads.
func parsePermissionPayload(payload string) (id, verb string, ok bool) {
	rest, found := strings.CutPrefix(payload, "perm:")
	if !found {
		return "", "", false
	}
	id, verb, found = strings.Cut(rest, ":")
	if !found || id == "" {
		return "", "", false
	}
	if verb != "allow" && verb != "deny" {
		return "", "", false
	}
	return id, verb, true
}

// splitCommandText recognizes free text shaped like a slash command and
// splits it into command and args.
func splitCommandText(body string) (command, args string, ok bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	rest := trimmed[1:]
	command, args, _ = strings.Cut(rest, " ")
	return strings.ToLower(command), strings.TrimSpace(args), true
}

// normalizeCommand strips the leading slash some platforms keep and
// lowercases the token.
func normalizeCommand(command string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(command), "/"))
}
