// Package store provides durable persistence for agent-relay.
//
// Two kinds of state live here:
//
//   - Session mappings: one row per conversation key linking it to the
//     agent session id and working directory currently in use. The
//     orchestrator reads and writes through the Store interface and
//     never caches a mapping beyond a single invocation.
//
//   - Permission records: approval requests raised by in-flight agent
//     invocations. These survive process restart so that a prompt that
//     was pending when the relay died can still be expired or answered
//     after it comes back.
//
// The SQLite implementation (modernc.org/sqlite) creates its schema on
// open and uses WAL mode. Single-key read-modify-write operations are
// atomic at the SQL level; TransitionPermission in particular relies on
// a conditional UPDATE so that concurrent resolution attempts have
// exactly one winner.
package store
