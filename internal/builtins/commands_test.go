// ABOUTME: Tests for built-in command handlers
// ABOUTME: Resolution, status reporting, cwd and reset behavior

package builtins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/backlog"
	"github.com/2389/agent-relay/internal/clock"
	"github.com/2389/agent-relay/internal/envelope"
	"github.com/2389/agent-relay/internal/instance"
	"github.com/2389/agent-relay/internal/store"
)

type idleAgent struct{}

func (idleAgent) CreateSession(ctx context.Context, cwd string) (*agent.Result, error) {
	return &agent.Result{SessionID: "sess"}, nil
}

func (idleAgent) RunPrompt(ctx context.Context, req agent.PromptRequest) (*agent.Result, error) {
	return &agent.Result{Text: "ok"}, nil
}

func (idleAgent) RunCommand(ctx context.Context, req agent.CommandRequest) (*agent.Result, error) {
	return &agent.Result{Text: "ok"}, nil
}

func (idleAgent) Close(ctx context.Context) error { return nil }

type idleLauncher struct{}

func (idleLauncher) Start(ctx context.Context, key, cwd string) (agent.Context, error) {
	return idleAgent{}, nil
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()

	clk := clock.NewFake(time.Unix(1000, 0))
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return Deps{
		Registry: instance.NewRegistry(idleLauncher{}, clk, instance.Options{IdleTimeout: time.Hour}, nil),
		Store:    st,
		Backlog:  backlog.NewBuffer(),
		Clock:    clk,
		Version:  "test",
	}
}

func inboundFor(ref envelope.ConversationRef) envelope.Inbound {
	return envelope.Inbound{
		BridgeID:     ref.BridgeID,
		Conversation: ref,
		UserID:       "u1",
	}
}

func TestResolve(t *testing.T) {
	for _, cmd := range []string{"help", "pid", "status", "cwd", "reset", "interrupt", "interupt"} {
		_, ok := Resolve(cmd)
		assert.True(t, ok, cmd)
	}

	_, ok := Resolve("deploy")
	assert.False(t, ok)
	_, ok = Resolve("new")
	assert.False(t, ok, "new runs through the invocation path, not as a builtin")
}

func TestUsage(t *testing.T) {
	assert.Contains(t, Usage(""), "/help")
	assert.Contains(t, Usage("frobnicate"), "Unknown command /frobnicate")
}

func TestPid(t *testing.T) {
	deps := newTestDeps(t)
	out := Pid(context.Background(), deps, inboundFor(envelope.ConversationRef{BridgeID: "b", ChannelID: "c"}), "")
	assert.Contains(t, out.Text, fmt.Sprintf("pid %d", os.Getpid()))
	assert.Contains(t, out.Text, "test")
}

func TestStatus(t *testing.T) {
	deps := newTestDeps(t)
	ref := envelope.ConversationRef{BridgeID: "telegram", ChannelID: "c1"}
	ctx := context.Background()

	out := Status(ctx, deps, inboundFor(ref), "")
	assert.Contains(t, out.Text, "no session yet")
	assert.Contains(t, out.Text, "invocation: idle")

	require.NoError(t, deps.Store.SetForConversation(ctx, ref, "sess-1", "/work"))
	require.True(t, deps.Registry.TryBegin("telegram:c1"))
	deps.Backlog.Append("telegram:c1", inboundFor(ref))
	require.NoError(t, deps.Store.CreatePermission(ctx, &store.PermissionRecord{
		PermissionID:    "p1",
		ConversationKey: "telegram:c1",
		RequesterUserID: "u1",
		ExpiresAtUnix:   deps.Clock.NowUnix() + 60,
	}, deps.Clock.NowUnix()))

	out = Status(ctx, deps, inboundFor(ref), "")
	assert.Contains(t, out.Text, "sess-1")
	assert.Contains(t, out.Text, "/work")
	assert.Contains(t, out.Text, "invocation: running")
	assert.Contains(t, out.Text, "approval: waiting")
	assert.Contains(t, out.Text, "backlog: 1 queued")
}

func TestCwd(t *testing.T) {
	deps := newTestDeps(t)
	ref := envelope.ConversationRef{BridgeID: "telegram", ChannelID: "c1"}
	ctx := context.Background()

	// No session yet.
	out := Cwd(ctx, deps, inboundFor(ref), "/work")
	assert.Contains(t, out.Text, "No session yet")

	require.NoError(t, deps.Store.SetForConversation(ctx, ref, "sess-1", ""))

	out = Cwd(ctx, deps, inboundFor(ref), "/work")
	assert.Contains(t, out.Text, "Working directory set to /work")

	got, err := deps.Store.GetCwd(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "/work", got)

	// Bare /cwd reads it back.
	out = Cwd(ctx, deps, inboundFor(ref), "")
	assert.Equal(t, "/work", out.Text)
}

func TestReset(t *testing.T) {
	deps := newTestDeps(t)
	ref := envelope.ConversationRef{BridgeID: "telegram", ChannelID: "c1"}
	ctx := context.Background()

	require.NoError(t, deps.Store.SetForConversation(ctx, ref, "sess-1", ""))
	_, err := deps.Registry.Acquire(ctx, "telegram:c1", "")
	require.NoError(t, err)

	out := Reset(ctx, deps, inboundFor(ref), "")
	assert.Contains(t, out.Text, "reset")

	_, err = deps.Store.GetByConversation(ctx, "telegram:c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, deps.Registry.Count())
}

func TestInterrupt(t *testing.T) {
	deps := newTestDeps(t)
	ref := envelope.ConversationRef{BridgeID: "telegram", ChannelID: "c1"}
	ctx := context.Background()

	out := Interrupt(ctx, deps, inboundFor(ref), "")
	assert.Equal(t, "Nothing is running.", out.Text)

	require.True(t, deps.Registry.TryBegin("telegram:c1"))
	cancelCtx, cancel := context.WithCancel(ctx)
	deps.Registry.SetCancel("telegram:c1", cancel)

	out = Interrupt(ctx, deps, inboundFor(ref), "")
	assert.Equal(t, "Interrupted.", out.Text)
	assert.ErrorIs(t, cancelCtx.Err(), context.Canceled)
}
