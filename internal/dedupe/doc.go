// Package dedupe provides delivery deduplication using a time-based
// cache, so a bridge redelivering the same platform message (retry,
// reconnect replay) does not trigger a second agent invocation.
package dedupe
