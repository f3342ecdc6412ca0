package session

import (
	"testing"
	"time"
)

func TestRearmTimerDropsStaleGenerations(t *testing.T) {
	clock := newFakeClock()
	var fired []timerFired
	timer := newRearmTimer(timerIdle, clock, func(ev event) bool {
		fired = append(fired, ev.(timerFired))
		return true
	})

	timer.Arm(time.Second)
	first := timer.gen
	timer.Arm(2 * time.Second)
	if !timer.Armed() {
		t.Fatalf("Armed() = false after re-arm")
	}
	if timer.Fire(first) {
		t.Fatalf("Fire(stale generation) = true")
	}

	clock.fireNext(clock.Now().Add(5 * time.Second))
	if len(fired) != 1 || fired[0].gen != timer.gen || fired[0].kind != timerIdle {
		t.Fatalf("fired = %+v, want one fire of the latest generation", fired)
	}
	if !timer.Fire(fired[0].gen) {
		t.Fatalf("Fire(current generation) = false")
	}
	if timer.Armed() || timer.Fire(fired[0].gen) {
		t.Fatalf("timer still armed after consuming its fire")
	}
}

func TestRearmTimerCancel(t *testing.T) {
	clock := newFakeClock()
	posted := 0
	timer := newRearmTimer(timerTermination, clock, func(event) bool {
		posted++
		return true
	})

	timer.Arm(time.Second)
	gen := timer.gen
	timer.Cancel()
	if timer.Armed() {
		t.Fatalf("Armed() = true after Cancel")
	}
	if clock.fireNext(clock.Now().Add(time.Minute)) || posted != 0 {
		t.Fatalf("cancelled timer still fired")
	}
	if timer.Fire(gen) {
		t.Fatalf("Fire() accepted a cancelled generation")
	}
}
