package observability

import (
	"testing"
	"time"
)

func TestOutcomeWindowGroupsByReason(t *testing.T) {
	w := newOutcomeWindow(8)
	w.Add(CallOutcome{Reason: "closing_phrase", Duration: 60 * time.Second, ClosingGrace: 15 * time.Second, FirstAudio: 900 * time.Millisecond, GraceExtensions: 1})
	w.Add(CallOutcome{Reason: "closing_phrase", Duration: 90 * time.Second, ClosingGrace: 20 * time.Second, FirstAudio: 1100 * time.Millisecond})
	w.Add(CallOutcome{Reason: "closing_phrase", Duration: 120 * time.Second, ClosingGrace: 25 * time.Second, SuppressedSignals: 2})
	w.Add(CallOutcome{Reason: "idle_ceiling", Duration: 630 * time.Second, Ceiling: true, IdleResets: 20})

	snap := w.Snapshot()
	if snap.WindowSize != 8 || snap.Calls != 4 {
		t.Fatalf("WindowSize/Calls = %d/%d, want 8/4", snap.WindowSize, snap.Calls)
	}
	if snap.CeilingShare != 0.25 {
		t.Fatalf("CeilingShare = %v, want 0.25", snap.CeilingShare)
	}
	if len(snap.Reasons) != 2 {
		t.Fatalf("len(Reasons) = %d, want 2", len(snap.Reasons))
	}

	closing := snap.Reasons[0]
	if closing.Reason != "closing_phrase" || closing.Calls != 3 || closing.Share != 0.75 {
		t.Fatalf("closing summary = %+v", closing)
	}
	if closing.DurationP50MS != 90000 || closing.DurationP95MS != 120000 {
		t.Fatalf("duration p50/p95 = %d/%d, want 90000/120000", closing.DurationP50MS, closing.DurationP95MS)
	}
	if closing.ClosingGraceP50MS != 20000 {
		t.Fatalf("ClosingGraceP50MS = %d, want 20000", closing.ClosingGraceP50MS)
	}
	// Calls where the agent never spoke do not count toward first audio.
	if closing.FirstAudioP50MS != 900 {
		t.Fatalf("FirstAudioP50MS = %d, want 900", closing.FirstAudioP50MS)
	}
	if closing.GraceExtensions != 1 || closing.SuppressedSignals != 2 {
		t.Fatalf("extensions/suppressed = %d/%d, want 1/2", closing.GraceExtensions, closing.SuppressedSignals)
	}

	idle := snap.Reasons[1]
	if idle.Reason != "idle_ceiling" || idle.IdleResets != 20 || idle.ClosingGraceP50MS != 0 {
		t.Fatalf("idle summary = %+v", idle)
	}
}

func TestOutcomeWindowEvictsOldest(t *testing.T) {
	w := newOutcomeWindow(2)
	w.Add(CallOutcome{Reason: "operator", Duration: time.Second})
	w.Add(CallOutcome{Reason: "closing_phrase", Duration: 2 * time.Second})
	w.Add(CallOutcome{Reason: "closing_phrase", Duration: 3 * time.Second})

	snap := w.Snapshot()
	if snap.Calls != 2 || len(snap.Reasons) != 1 {
		t.Fatalf("snapshot = %+v, want two closing_phrase calls", snap)
	}
	if got := snap.Reasons[0].DurationP95MS; got != 3000 {
		t.Fatalf("DurationP95MS = %d, want 3000", got)
	}
}

func TestPercentileMSNearestRank(t *testing.T) {
	values := []time.Duration{5 * time.Millisecond, time.Millisecond, 3 * time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	if got := percentileMS(values, 50); got != 3 {
		t.Fatalf("p50 = %d, want 3", got)
	}
	if got := percentileMS(values, 95); got != 5 {
		t.Fatalf("p95 = %d, want 5", got)
	}
	if got := percentileMS(nil, 50); got != 0 {
		t.Fatalf("p50(empty) = %d, want 0", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CallEvent("started")
	m.GuardDecision("end_call_tool", "suppress")
	m.ObserveCall(CallOutcome{Reason: "operator", Duration: time.Second})
	snap := m.SnapshotOutcomes()
	if snap.Calls != 0 || len(snap.Reasons) != 0 {
		t.Fatalf("nil metrics snapshot = %+v, want empty", snap)
	}
}
