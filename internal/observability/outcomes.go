package observability

import (
	"sort"
	"sync"
	"time"
)

// CallOutcome is one ended call as seen by the outcome window.
type CallOutcome struct {
	Reason   string
	Duration time.Duration
	// Ceiling marks calls ended by the idle or duration safety valve.
	Ceiling bool
	// ClosingGrace is zero when the call ended without an armed hang-up.
	ClosingGrace time.Duration
	// FirstAudio is zero when the agent never spoke.
	FirstAudio        time.Duration
	GraceExtensions   int
	IdleResets        int
	SuppressedSignals int
}

// ReasonSummary aggregates the recent calls that ended for one reason.
// Millisecond figures are nearest-rank percentiles.
type ReasonSummary struct {
	Reason            string  `json:"reason"`
	Calls             int     `json:"calls"`
	Share             float64 `json:"share"`
	DurationP50MS     int64   `json:"duration_p50_ms"`
	DurationP95MS     int64   `json:"duration_p95_ms"`
	ClosingGraceP50MS int64   `json:"closing_grace_p50_ms,omitempty"`
	ClosingGraceP95MS int64   `json:"closing_grace_p95_ms,omitempty"`
	FirstAudioP50MS   int64   `json:"first_audio_p50_ms,omitempty"`
	GraceExtensions   int     `json:"grace_extensions"`
	IdleResets        int     `json:"idle_resets"`
	SuppressedSignals int     `json:"suppressed_signals"`
}

type OutcomeSnapshot struct {
	GeneratedAt  time.Time       `json:"generated_at"`
	WindowSize   int             `json:"window_size"`
	Calls        int             `json:"calls"`
	CeilingShare float64         `json:"ceiling_share"`
	Reasons      []ReasonSummary `json:"reasons"`
}

// outcomeWindow keeps the last size ended calls.
type outcomeWindow struct {
	mu    sync.Mutex
	size  int
	calls []CallOutcome
	next  int
}

func newOutcomeWindow(size int) *outcomeWindow {
	if size <= 0 {
		size = 256
	}
	return &outcomeWindow{size: size, calls: make([]CallOutcome, 0, size)}
}

func (w *outcomeWindow) Add(o CallOutcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.calls) < w.size {
		w.calls = append(w.calls, o)
		return
	}
	w.calls[w.next] = o
	w.next = (w.next + 1) % w.size
}

func (w *outcomeWindow) Snapshot() OutcomeSnapshot {
	w.mu.Lock()
	calls := append([]CallOutcome(nil), w.calls...)
	w.mu.Unlock()

	snap := OutcomeSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Calls:       len(calls),
		Reasons:     []ReasonSummary{},
	}
	if len(calls) == 0 {
		return snap
	}

	byReason := make(map[string][]CallOutcome)
	ceilings := 0
	for _, o := range calls {
		byReason[o.Reason] = append(byReason[o.Reason], o)
		if o.Ceiling {
			ceilings++
		}
	}
	snap.CeilingShare = share(ceilings, len(calls))

	for reason, group := range byReason {
		var durations, graces, firstAudio []time.Duration
		sum := ReasonSummary{Reason: reason, Calls: len(group), Share: share(len(group), len(calls))}
		for _, o := range group {
			durations = append(durations, o.Duration)
			if o.ClosingGrace > 0 {
				graces = append(graces, o.ClosingGrace)
			}
			if o.FirstAudio > 0 {
				firstAudio = append(firstAudio, o.FirstAudio)
			}
			sum.GraceExtensions += o.GraceExtensions
			sum.IdleResets += o.IdleResets
			sum.SuppressedSignals += o.SuppressedSignals
		}
		sum.DurationP50MS = percentileMS(durations, 50)
		sum.DurationP95MS = percentileMS(durations, 95)
		sum.ClosingGraceP50MS = percentileMS(graces, 50)
		sum.ClosingGraceP95MS = percentileMS(graces, 95)
		sum.FirstAudioP50MS = percentileMS(firstAudio, 50)
		snap.Reasons = append(snap.Reasons, sum)
	}
	sort.Slice(snap.Reasons, func(i, j int) bool {
		if snap.Reasons[i].Calls != snap.Reasons[j].Calls {
			return snap.Reasons[i].Calls > snap.Reasons[j].Calls
		}
		return snap.Reasons[i].Reason < snap.Reasons[j].Reason
	})
	return snap
}

// percentileMS is the nearest-rank percentile p of values, in milliseconds.
func percentileMS(values []time.Duration, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	rank := (p*len(values) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return values[rank-1].Milliseconds()
}

func share(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n*1000/total) / 1000
}
