// ABOUTME: Clock abstraction for time-dependent orchestrator behavior
// ABOUTME: System implementation plus a manually-advanced fake for tests

package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a reschedulable one-shot timer handle.
type Timer interface {
	// Reset re-arms the timer to fire after d. Returns true if the timer
	// was still pending.
	Reset(d time.Duration) bool

	// Stop cancels the timer. Returns true if the timer was still pending.
	Stop() bool
}

// Clock provides the current time and timer scheduling. Injected so
// idle eviction and permission expiry are deterministic under test.
type Clock interface {
	Now() time.Time
	NowUnix() int64
	NowISO() string
	AfterFunc(d time.Duration, fn func()) Timer
}

// System is the wall-clock implementation backed by the time package.
type System struct{}

// NewSystem returns the real clock.
func NewSystem() *System {
	return &System{}
}

func (*System) Now() time.Time {
	return time.Now()
}

func (*System) NowUnix() int64 {
	return time.Now().Unix()
}

func (*System) NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (*System) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{time.AfterFunc(d, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }
func (s systemTimer) Stop() bool                 { return s.t.Stop() }

// Fake is a manually-advanced clock for tests. Timers fire synchronously
// from Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NowUnix() int64 {
	return f.Now().Unix()
}

func (f *Fake) NowISO() string {
	return f.Now().UTC().Format(time.RFC3339)
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		clock:    f,
		deadline: f.now.Add(d),
		fn:       fn,
		pending:  true,
	}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward and fires any timers whose deadline
// has passed. Callbacks run without the clock lock held.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)

	var due []*fakeTimer
	for _, t := range f.timers {
		if t.pending && !t.deadline.After(f.now) {
			t.pending = false
			due = append(due, t)
		}
	}
	f.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fn()
	}
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	fn       func()
	pending  bool
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	was := t.pending
	t.deadline = t.clock.now.Add(d)
	t.pending = true
	return was
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	was := t.pending
	t.pending = false
	return was
}
