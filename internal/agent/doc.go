// Package agent defines the ports between the orchestrator and the
// coding-agent process.
//
// The orchestrator never speaks the agent's wire protocol. It sees two
// interfaces: Launcher, which performs the expensive warmup of a
// per-conversation execution context, and Context, which runs one
// invocation at a time (session creation, prompt, or command). Both are
// implemented by the process adapter that owns the subprocess.
//
// Calls accept a context.Context for cancellation (interrupt cancels
// the in-flight call without touching the warm context) and Callbacks
// for mid-call events: OnActivity keeps the idle timer fresh during
// long runs, OnPermission blocks on an approval decision correlated
// from an out-of-band user response.
package agent
