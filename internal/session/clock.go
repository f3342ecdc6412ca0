package session

import "time"

// Clock schedules callbacks; tests substitute a manual implementation.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type Stopper interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

type timerKind string

const (
	timerTermination timerKind = "termination"
	timerIdle        timerKind = "idle"
)

// rearmTimer is a single-shot timer owned by a call loop. A fire is delivered
// as a timerFired event carrying the generation it was armed with; re-arming
// or cancelling bumps the generation so late deliveries are recognised and
// dropped by the loop.
type rearmTimer struct {
	kind     timerKind
	clock    Clock
	post     func(event) bool
	gen      uint64
	pending  Stopper
	deadline time.Time
}

func newRearmTimer(kind timerKind, clock Clock, post func(event) bool) *rearmTimer {
	return &rearmTimer{kind: kind, clock: clock, post: post}
}

func (t *rearmTimer) Arm(d time.Duration) {
	t.Cancel()
	gen := t.gen
	kind := t.kind
	post := t.post
	t.deadline = t.clock.Now().Add(d)
	t.pending = t.clock.AfterFunc(d, func() {
		post(timerFired{kind: kind, gen: gen})
	})
}

func (t *rearmTimer) Cancel() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.gen++
}

func (t *rearmTimer) Armed() bool { return t.pending != nil }

// Remaining is the time left before an armed timer fires.
func (t *rearmTimer) Remaining() time.Duration {
	if t.pending == nil {
		return 0
	}
	return t.deadline.Sub(t.clock.Now())
}

// Fire consumes a delivered fire. It reports false for stale generations.
func (t *rearmTimer) Fire(gen uint64) bool {
	if t.pending == nil || gen != t.gen {
		return false
	}
	t.pending = nil
	return true
}
