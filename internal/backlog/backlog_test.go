// ABOUTME: Tests for backlog policy decisions and the per-key buffer
// ABOUTME: Verifies choose semantics and the staleness predicate

package backlog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/agent-relay/internal/envelope"
)

func msgs(bodies ...string) []envelope.Inbound {
	out := make([]envelope.Inbound, len(bodies))
	for i, b := range bodies {
		out[i] = envelope.Inbound{Event: envelope.TextEvent{Body: b}}
	}
	return out
}

func TestChoose(t *testing.T) {
	three := msgs("a", "b", "c")

	tests := []struct {
		name   string
		in     []envelope.Inbound
		policy Policy
		want   []envelope.Inbound
	}{
		{"all returns input unchanged", three, PolicyAll, three},
		{"latest returns last element", three, PolicyLatest, msgs("c")},
		{"latest of empty is empty", nil, PolicyLatest, nil},
		{"ignore always empty", three, PolicyIgnore, nil},
		{"override behaves like latest", three, PolicyOverride, msgs("c")},
		{"unknown policy falls back to all", three, Policy("bogus"), three},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Choose(tt.in, tt.policy))
		})
	}
}

func TestChoose_DoesNotMutateInput(t *testing.T) {
	in := msgs("a", "b")
	_ = Choose(in, PolicyLatest)
	assert.Equal(t, msgs("a", "b"), in)
}

func TestPolicy_Valid(t *testing.T) {
	assert.True(t, PolicyAll.Valid())
	assert.True(t, PolicyOverride.Valid())
	assert.False(t, Policy("sometimes").Valid())
}

func TestPolicy_CancelsInflight(t *testing.T) {
	assert.True(t, PolicyOverride.CancelsInflight())
	assert.False(t, PolicyLatest.CancelsInflight())
}

func TestIsBacklogMessage(t *testing.T) {
	assert.True(t, IsBacklogMessage(100, 120, 10))
	assert.False(t, IsBacklogMessage(110, 120, 10))
	// Boundary: exactly staleSeconds old is not backlog.
	assert.False(t, IsBacklogMessage(110, 120, 10))
	assert.False(t, IsBacklogMessage(100, 110, 10))
}

func TestBuffer_AppendTake(t *testing.T) {
	b := NewBuffer()

	assert.Equal(t, 1, b.Append("k1", msgs("a")[0]))
	assert.Equal(t, 2, b.Append("k1", msgs("b")[0]))
	assert.Equal(t, 1, b.Append("k2", msgs("x")[0]))

	got := b.Take("k1")
	assert.Equal(t, msgs("a", "b"), got)

	// Batch is consumed.
	assert.Empty(t, b.Take("k1"))
	assert.Equal(t, 1, b.Len("k2"))
}
