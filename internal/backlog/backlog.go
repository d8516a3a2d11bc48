// ABOUTME: Backlog policy decisions and per-conversation message buffering
// ABOUTME: Decides which queued messages run after a busy invocation completes

package backlog

import (
	"sync"

	"github.com/2389/agent-relay/internal/envelope"
)

// Policy selects which backlog messages run once the conversation's
// invocation slot frees up.
type Policy string

const (
	// PolicyAll runs the full backlog sequentially, oldest first.
	PolicyAll Policy = "all"

	// PolicyLatest runs only the newest queued message.
	PolicyLatest Policy = "latest"

	// PolicyIgnore drops the backlog entirely.
	PolicyIgnore Policy = "ignore"

	// PolicyOverride behaves like latest, and additionally tells the
	// caller to cancel the in-flight invocation the queued messages
	// superseded. The coordinator only classifies; cancellation is the
	// caller's job.
	PolicyOverride Policy = "override"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyAll, PolicyLatest, PolicyIgnore, PolicyOverride:
		return true
	}
	return false
}

// CancelsInflight reports whether the policy requires cancelling
// superseded in-flight work at enqueue time.
func (p Policy) CancelsInflight() bool {
	return p == PolicyOverride
}

// Choose applies a policy to an ordered backlog. Pure: the input slice
// is never mutated.
func Choose(messages []envelope.Inbound, policy Policy) []envelope.Inbound {
	switch policy {
	case PolicyAll:
		return messages
	case PolicyLatest, PolicyOverride:
		if len(messages) == 0 {
			return nil
		}
		return messages[len(messages)-1:]
	case PolicyIgnore:
		return nil
	default:
		return messages
	}
}

// IsBacklogMessage reports whether a message is stale enough that an
// adapter should treat it as backlog rather than a live message (for
// example on reconnect after downtime). Exposed for adapters; the
// orchestrator does not enforce it.
func IsBacklogMessage(receivedAtUnix, nowUnix, staleSeconds int64) bool {
	return nowUnix-receivedAtUnix > staleSeconds
}

// Buffer accumulates messages per conversation key while the key's
// invocation slot is busy. Batches are transient: Take consumes and
// clears. Mutation is per-key at the map-entry level; unrelated
// conversations never contend beyond the map lock.
type Buffer struct {
	mu      sync.Mutex
	batches map[string][]envelope.Inbound
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{batches: make(map[string][]envelope.Inbound)}
}

// Append queues a message for a busy conversation and returns the new
// backlog depth.
func (b *Buffer) Append(key string, msg envelope.Inbound) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.batches[key] = append(b.batches[key], msg)
	return len(b.batches[key])
}

// Take removes and returns the batch for a key, oldest first.
func (b *Buffer) Take(key string) []envelope.Inbound {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.batches[key]
	delete(b.batches, key)
	return batch
}

// Len returns the backlog depth for a key.
func (b *Buffer) Len(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches[key])
}
