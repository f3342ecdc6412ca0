package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/callbridge/internal/calllog"
	"github.com/antoniostano/callbridge/internal/hangup"
	"github.com/antoniostano/callbridge/internal/protocol"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

// fireNext fires the earliest live timer due at or before target and moves
// the clock to its deadline. It reports false when none is due.
func (c *fakeClock) fireNext(target time.Time) bool {
	c.mu.Lock()
	var next *fakeTimer
	for _, t := range c.timers {
		if t.done || t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) {
			next = t
		}
	}
	if next == nil {
		c.now = target
		c.mu.Unlock()
		return false
	}
	next.done = true
	if next.at.After(c.now) {
		c.now = next.at
	}
	c.mu.Unlock()
	next.f()
	return true
}

type fakeLeg struct {
	mu     sync.Mutex
	frames []any
	closes int
}

func (l *fakeLeg) Send(msg any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closes > 0 {
		return errors.New("telephony leg closed")
	}
	l.frames = append(l.frames, msg)
	return nil
}

func (l *fakeLeg) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLeg) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

func (l *fakeLeg) count(event protocol.TelephonyEvent) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, f := range l.frames {
		if ev, ok := protocol.TelephonyEventOf(f); ok && ev == event {
			n++
		}
	}
	return n
}

func (l *fakeLeg) mediaPayloads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, f := range l.frames {
		if m, ok := f.(protocol.OutboundMedia); ok {
			out = append(out, m.Media.Payload)
		}
	}
	return out
}

type fakeAgent struct {
	mu          sync.Mutex
	initiations []protocol.ConversationInitiation
	audio       []string
	pongs       []int
	toolResults []protocol.ClientToolResult
	closes      int
	err         error
	events      chan protocol.AgentEvent
	closeOnce   sync.Once
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{events: make(chan protocol.AgentEvent)}
}

func (a *fakeAgent) SendInitiation(msg protocol.ConversationInitiation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initiations = append(a.initiations, msg)
	return nil
}

func (a *fakeAgent) SendUserAudio(payload string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audio = append(a.audio, payload)
	return nil
}

func (a *fakeAgent) SendPong(eventID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pongs = append(a.pongs, eventID)
	return nil
}

func (a *fakeAgent) SendToolResult(msg protocol.ClientToolResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toolResults = append(a.toolResults, msg)
	return nil
}

func (a *fakeAgent) Events() <-chan protocol.AgentEvent { return a.events }

func (a *fakeAgent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *fakeAgent) Close() error {
	a.mu.Lock()
	a.closes++
	a.mu.Unlock()
	a.closeOnce.Do(func() { close(a.events) })
	return nil
}

// closeRemote simulates the provider dropping the socket.
func (a *fakeAgent) closeRemote(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	a.closeOnce.Do(func() { close(a.events) })
}

type agentRecord struct {
	initiations []protocol.ConversationInitiation
	audio       []string
	pongs       []int
	toolResults []protocol.ClientToolResult
	closes      int
}

func (a *fakeAgent) snapshot() agentRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return agentRecord{
		initiations: append([]protocol.ConversationInitiation(nil), a.initiations...),
		audio:       append([]string(nil), a.audio...),
		pongs:       append([]int(nil), a.pongs...),
		toolResults: append([]protocol.ClientToolResult(nil), a.toolResults...),
		closes:      a.closes,
	}
}

type fakeRecorder struct {
	mu       sync.Mutex
	turns    []calllog.Turn
	outcomes []calllog.Outcome
}

func (r *fakeRecorder) RecordTurn(turn calllog.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
}

func (r *fakeRecorder) RecordOutcome(outcome calllog.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

// barrier is handled after every event posted before it.
type barrier struct{ done chan struct{} }

func (b barrier) handle(*Call) { close(b.done) }

// inLoop runs fn on the call goroutine.
type inLoop struct {
	fn   func(c *Call)
	done chan struct{}
}

func (e inLoop) handle(c *Call) {
	e.fn(c)
	close(e.done)
}

func testSettings() Settings {
	return Settings{
		DefaultAgentID:      "agent-1",
		TerminationGrace:    15 * time.Second,
		TrailingAudioWindow: 2 * time.Second,
		TrailingRecheck:     5 * time.Second,
		MaxGraceExtensions:  2,
		IdleTimeout:         30 * time.Second,
		MaxIdleResets:       20,
		MaxCallDuration:     15 * time.Minute,
		PendingAudioLimit:   50,
		AgentConnectTimeout: 10 * time.Second,
	}
}

func testGuard() *hangup.Guard {
	matcher := hangup.NewMatcher([]string{"nog een fijne dag", "fijne dag verder"}, hangup.DefaultTailWindow)
	return hangup.NewGuard(matcher, []string{"end_call"})
}

type harness struct {
	t        *testing.T
	clock    *fakeClock
	leg      *fakeLeg
	agent    *fakeAgent
	recorder *fakeRecorder
	call     *Call
	cancel   context.CancelFunc

	dialErr  error
	dialGate chan struct{}
	dials    chan string
}

func newHarness(t *testing.T, tweak func(*Settings)) *harness {
	t.Helper()
	settings := testSettings()
	if tweak != nil {
		tweak(&settings)
	}
	h := &harness{
		t:        t,
		clock:    newFakeClock(),
		leg:      &fakeLeg{},
		agent:    newFakeAgent(),
		recorder: &fakeRecorder{},
		dials:    make(chan string, 4),
	}
	dialer := DialerFunc(func(ctx context.Context, agentID string) (AgentConn, error) {
		h.dials <- agentID
		if h.dialGate != nil {
			select {
			case <-h.dialGate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if h.dialErr != nil {
			return nil, h.dialErr
		}
		return h.agent, nil
	})
	h.call = NewCall("call-1", h.leg, settings, Deps{
		Guard:    testGuard(),
		Dialer:   dialer,
		Clock:    h.clock,
		Recorder: h.recorder,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.call.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.call.Done()
	})
	return h
}

// sync waits until the call loop has handled everything posted so far.
func (h *harness) sync() {
	h.t.Helper()
	b := barrier{done: make(chan struct{})}
	if !h.call.post(b) {
		return
	}
	select {
	case <-b.done:
	case <-h.call.Done():
	case <-time.After(2 * time.Second):
		h.t.Fatalf("call loop did not drain")
	}
}

func (h *harness) do(fn func(c *Call)) {
	h.t.Helper()
	e := inLoop{fn: fn, done: make(chan struct{})}
	if !h.call.post(e) {
		h.t.Fatalf("call already finished")
	}
	select {
	case <-e.done:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("call loop did not run fn")
	}
}

// advance moves the fake clock, letting the loop handle each timer fire in turn.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	target := h.clock.Now().Add(d)
	for h.clock.fireNext(target) {
		h.sync()
	}
	h.sync()
}

func (h *harness) telephony(msg any) {
	h.t.Helper()
	h.call.HandleTelephony(msg)
	h.sync()
}

func (h *harness) start() {
	h.t.Helper()
	h.call.HandleTelephony(protocol.TelephonyStart{
		StreamSID: "MZ1",
		CallSID:   "CA1",
		Params:    protocol.StartParams{CampaignID: "camp-7", ContactID: "contact-9"},
	})
	h.waitFor("agent ready", func(i Info) bool { return i.AgentReady })
}

// agentSays delivers a provider event the way the agent pump would.
func (h *harness) agentSays(ev protocol.AgentEvent) {
	h.t.Helper()
	h.call.post(agentMessage{conn: h.agent, ev: ev})
	h.sync()
}

func (h *harness) waitFor(what string, cond func(Info) bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.sync()
		if cond(h.call.Info()) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s; info = %+v", what, h.call.Info())
}

func (h *harness) waitDone() Info {
	h.t.Helper()
	select {
	case <-h.call.Done():
	case <-time.After(2 * time.Second):
		h.t.Fatalf("call did not end; info = %+v", h.call.Info())
	}
	return h.call.Info()
}

func agentText(text string, tools ...protocol.ToolCall) protocol.AgentEvent {
	return protocol.AgentEvent{Kind: protocol.AgentResponse, RawType: "agent_response", Text: text, ToolCalls: tools}
}

func agentAudio(payload string) protocol.AgentEvent {
	return protocol.AgentEvent{Kind: protocol.AgentAudio, RawType: "audio", AudioBase64: payload}
}
