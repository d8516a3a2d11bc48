// ABOUTME: Tests for envelope keys, event kinds, and chunk splitting
// ABOUTME: Key determinism and collision freedom across thread variants

package envelope

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		ref  ConversationRef
		want string
	}{
		{
			name: "channel only",
			ref:  ConversationRef{BridgeID: "telegram", ChannelID: "12345"},
			want: "telegram:12345",
		},
		{
			name: "threaded",
			ref:  ConversationRef{BridgeID: "slack", ChannelID: "C01", ThreadID: "1700000000.1"},
			want: "slack:C01:1700000000.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.ref))
		})
	}
}

func TestKey_ThreadVariantsAreDistinct(t *testing.T) {
	base := ConversationRef{BridgeID: "slack", ChannelID: "C01"}
	threaded := ConversationRef{BridgeID: "slack", ChannelID: "C01", ThreadID: "t1"}
	otherThread := ConversationRef{BridgeID: "slack", ChannelID: "C01", ThreadID: "t2"}

	assert.NotEqual(t, Key(base), Key(threaded))
	assert.NotEqual(t, Key(threaded), Key(otherThread))

	// Deterministic: same ref, same key.
	assert.Equal(t, Key(threaded), Key(threaded))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "text", KindOf(TextEvent{Body: "hi"}))
	assert.Equal(t, "slash", KindOf(SlashEvent{Command: "help"}))
	assert.Equal(t, "media", KindOf(MediaEvent{Path: "/tmp/a.png"}))
	assert.Equal(t, "button", KindOf(ButtonEvent{Payload: "x"}))
	assert.Equal(t, "system", KindOf(SystemEvent{Kind: "join"}))
	assert.Equal(t, "none", KindOf(nil))
}

func TestReply(t *testing.T) {
	in := Inbound{
		BridgeID:     "telegram",
		Conversation: ConversationRef{BridgeID: "telegram", ChannelID: "c1"},
	}
	out := Reply(in, "hello")
	assert.Equal(t, "telegram", out.BridgeID)
	assert.Equal(t, in.Conversation, out.Conversation)
	assert.Equal(t, "hello", out.Text)
}

func TestSplitChunks(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, SplitChunks("", 10))
	})

	t.Run("fits in one", func(t *testing.T) {
		assert.Equal(t, []string{"short"}, SplitChunks("short", 10))
	})

	t.Run("no limit", func(t *testing.T) {
		long := strings.Repeat("a", 100)
		assert.Equal(t, []string{long}, SplitChunks(long, 0))
	})

	t.Run("prefers line boundary", func(t *testing.T) {
		text := "first line here\nsecond line"
		chunks := SplitChunks(text, 20)
		assert.Equal(t, []string{"first line here", "second line"}, chunks)
	})

	t.Run("falls back to word boundary", func(t *testing.T) {
		text := "alpha beta gamma delta"
		chunks := SplitChunks(text, 12)
		for _, c := range chunks {
			assert.LessOrEqual(t, len([]rune(c)), 12)
		}
		assert.Equal(t, strings.Join(strings.Fields(text), " "), strings.Join(chunks, " "))
	})

	t.Run("hard split without boundaries", func(t *testing.T) {
		text := strings.Repeat("x", 25)
		chunks := SplitChunks(text, 10)
		assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, chunks)
	})

	t.Run("whitespace-only window yields no empty chunk", func(t *testing.T) {
		chunks := SplitChunks("\n\n\n\n\n\nhello", 4)
		assert.Equal(t, []string{"hell", "o"}, chunks)
		for _, c := range chunks {
			assert.NotEmpty(t, c)
		}
	})

	t.Run("reassembles losslessly modulo boundaries", func(t *testing.T) {
		text := "one two three four five six seven eight nine ten"
		chunks := SplitChunks(text, 15)
		assert.Equal(t, strings.Fields(text), strings.Fields(strings.Join(chunks, " ")))
	})
}
