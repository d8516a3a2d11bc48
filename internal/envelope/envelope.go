// ABOUTME: Normalized inbound/outbound envelopes shared by all bridges
// ABOUTME: Derives the conversation key used to address all per-conversation state

package envelope

import (
	"fmt"
	"strings"
)

// ConversationRef identifies a single conversation on one bridge.
// Immutable; supplied by the adapter with every inbound event.
type ConversationRef struct {
	BridgeID  string
	ChannelID string
	ThreadID  string // empty outside threaded channels
}

// Key derives the stable conversation key for a reference. The key is
// the sole addressing scheme for in-memory and persisted state, so it
// must be deterministic and collision-free across distinct references.
func Key(ref ConversationRef) string {
	if ref.ThreadID == "" {
		return ref.BridgeID + ":" + ref.ChannelID
	}
	return ref.BridgeID + ":" + ref.ChannelID + ":" + ref.ThreadID
}

// Event is the closed set of inbound event kinds. Each bridge maps its
// platform payload onto exactly one of these before handing it to the
// router; the router dispatches with an exhaustive type switch.
type Event interface {
	eventKind() string
}

// TextEvent is a plain user message.
type TextEvent struct {
	Body string
}

// SlashEvent is a command the platform already parsed (e.g. a Telegram
// bot command). Free text starting with "/" is normalized by the router
// into the same shape.
type SlashEvent struct {
	Command string
	Args    string
}

// MediaEvent carries one uploaded file, already staged on local disk by
// the bridge's media layer.
type MediaEvent struct {
	Caption  string
	Path     string
	MimeType string
}

// ButtonEvent is a button/callback tap.
type ButtonEvent struct {
	Payload string
}

// SystemEvent is a platform notification (member joined, reconnect
// replay marker, and so on).
type SystemEvent struct {
	Kind string
	Body string
}

func (TextEvent) eventKind() string   { return "text" }
func (SlashEvent) eventKind() string  { return "slash" }
func (MediaEvent) eventKind() string  { return "media" }
func (ButtonEvent) eventKind() string { return "button" }
func (SystemEvent) eventKind() string { return "system" }

// KindOf returns the kind label for an event, for logging.
func KindOf(e Event) string {
	if e == nil {
		return "none"
	}
	return e.eventKind()
}

// Inbound is the normalized carrier for one bridge event.
type Inbound struct {
	BridgeID     string
	MessageID    string // platform-unique id, used for delivery dedupe
	Conversation ConversationRef
	UserID       string
	ReceivedAt   int64 // unix seconds
	Event        Event
}

// Button is an interactive option offered on an outbound message.
type Button struct {
	Label   string
	Payload string
}

// Attachment is a file emitted alongside an outbound message.
type Attachment struct {
	Filename string
	MimeType string
	Path     string
}

// Outbound is the normalized carrier for one message back to a bridge.
// Text and Chunks are alternatives: bridges send Chunks in order when
// present, otherwise Text.
type Outbound struct {
	BridgeID     string
	Conversation ConversationRef
	Text         string
	Chunks       []string
	Attachments  []Attachment
	Buttons      []Button
}

// Reply builds an outbound envelope addressed back at an inbound one.
func Reply(in Inbound, text string) Outbound {
	return Outbound{
		BridgeID:     in.BridgeID,
		Conversation: in.Conversation,
		Text:         text,
	}
}

// SplitChunks splits text into chunks of at most max runes, preferring
// to break on line boundaries and falling back to word boundaries.
// Returns nil for empty text; max <= 0 returns the text as one chunk.
func SplitChunks(text string, max int) []string {
	if text == "" {
		return nil
	}
	if max <= 0 || len([]rune(text)) <= max {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		runes := []rune(remaining)
		if len(runes) <= max {
			chunks = append(chunks, remaining)
			break
		}

		window := string(runes[:max])
		cut := strings.LastIndex(window, "\n")
		if cut < max/2 {
			if sp := strings.LastIndex(window, " "); sp >= max/2 {
				cut = sp
			} else {
				cut = -1
			}
		}
		if cut <= 0 {
			cut = len(window)
			chunks = append(chunks, window)
			remaining = string(runes[max:])
			continue
		}

		if piece := strings.TrimRight(window[:cut], " \n"); piece != "" {
			chunks = append(chunks, piece)
		}
		remaining = strings.TrimLeft(remaining[cut:], " \n")
	}
	return chunks
}

// String implements fmt.Stringer for log output.
func (r ConversationRef) String() string {
	return fmt.Sprintf("%s/%s", r.BridgeID, r.ChannelID)
}
