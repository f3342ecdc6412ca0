package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/antoniostano/callbridge/internal/calllog"
	"github.com/antoniostano/callbridge/internal/convai"
	"github.com/antoniostano/callbridge/internal/hangup"
	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/protocol"
	"github.com/antoniostano/callbridge/internal/relay"
	"github.com/antoniostano/callbridge/internal/reliability"
)

const eventBuffer = 256

const (
	toolResultSuppressed = "The call is not ended. Say the closing phrase before ending the call."
	toolResultAccepted   = "The call will end after the closing message has played."
)

// event is anything a call loop processes. Producers only post events; call
// state is read and written exclusively inside handle.
type event interface {
	handle(c *Call)
}

type telephonyMessage struct{ msg any }

type telephonyClosed struct{ err error }

type agentConnected struct {
	conn    AgentConn
	err     error
	latency time.Duration
}

type agentMessage struct {
	conn AgentConn
	ev   protocol.AgentEvent
}

type agentClosed struct {
	conn AgentConn
	err  error
}

type timerFired struct {
	kind timerKind
	gen  uint64
}

type hangupRequest struct{ reason EndReason }

func (e telephonyMessage) handle(c *Call) { c.onTelephony(e.msg) }
func (e telephonyClosed) handle(c *Call)  { c.onTelephonyClosed(e.err) }
func (e agentConnected) handle(c *Call)   { c.onAgentConnected(e) }
func (e agentMessage) handle(c *Call)     { c.onAgentMessage(e.conn, e.ev) }
func (e agentClosed) handle(c *Call)      { c.onAgentClosed(e.conn, e.err) }
func (e timerFired) handle(c *Call)       { c.onTimer(e.kind, e.gen) }
func (e hangupRequest) handle(c *Call)    { c.finish(e.reason) }

// Call relays one phone call to one agent conversation and decides when to
// hang up. All mutable state is owned by the goroutine running Run.
type Call struct {
	id        string
	settings  Settings
	guard     *hangup.Guard
	matcher   *hangup.Matcher
	dialer    AgentDialer
	clock     Clock
	metrics   *observability.Metrics
	recorder  Recorder
	leg       TelephonyLeg
	createdAt time.Time

	events chan event
	done   chan struct{}
	info   atomic.Pointer[Info]

	ctx                   context.Context
	state                 State
	streamSID             string
	callSID               string
	params                protocol.StartParams
	agentID               string
	agent                 AgentConn
	cancelConnect         context.CancelFunc
	pipeline              *relay.Pipeline
	termination           *rearmTimer
	idle                  *rearmTimer
	closingPhraseDetected bool
	closingPhrase         string
	lastAgentUtterance    string
	lastAudioEmittedAt    time.Time
	lastActivityAt        time.Time
	sessionStartedAt      time.Time
	closingArmedAt        time.Time
	pendingReason         EndReason
	graceExtensions       int
	idleResets            int
	suppressedSignals     int
	isTerminating         bool
	telephonyGone         bool
	reason                EndReason
	conversationID        string
	firstAudioAt          time.Time
	endedAt               time.Time
}

func NewCall(id string, leg TelephonyLeg, settings Settings, deps Deps) *Call {
	settings = settings.withDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}
	guard := deps.Guard
	if guard == nil {
		guard = hangup.NewGuard(hangup.NewMatcher(nil, hangup.DefaultTailWindow), nil)
	}
	c := &Call{
		id:        id,
		settings:  settings,
		guard:     guard,
		matcher:   guard.Matcher(),
		dialer:    deps.Dialer,
		clock:     clock,
		metrics:   deps.Metrics,
		recorder:  deps.Recorder,
		leg:       leg,
		createdAt: clock.Now().UTC(),
		events:    make(chan event, eventBuffer),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		state:     StateConnecting,
		pipeline:  relay.NewPipeline(leg, settings.PendingAudioLimit),
	}
	c.lastActivityAt = c.createdAt
	c.termination = newRearmTimer(timerTermination, clock, c.post)
	c.idle = newRearmTimer(timerIdle, clock, c.post)
	c.publish()
	return c
}

func (c *Call) ID() string { return c.id }

// Done is closed once Run has returned.
func (c *Call) Done() <-chan struct{} { return c.done }

func (c *Call) Info() Info { return *c.info.Load() }

// HandleTelephony queues a parsed telephony frame. It reports false once the call has ended.
func (c *Call) HandleTelephony(msg any) bool { return c.post(telephonyMessage{msg: msg}) }

// TelephonyClosed reports that the phone side socket is gone.
func (c *Call) TelephonyClosed(err error) { c.post(telephonyClosed{err: err}) }

// Hangup ends the call without a grace period.
func (c *Call) Hangup(reason EndReason) bool { return c.post(hangupRequest{reason: reason}) }

// Run processes events until the call is closed or ctx is cancelled.
func (c *Call) Run(ctx context.Context) {
	defer close(c.done)
	c.ctx = ctx
	// A socket that never sends start is still bound by the idle and
	// duration ceilings.
	c.idle.Arm(c.settings.IdleTimeout)
	for {
		select {
		case <-ctx.Done():
			c.finish(ReasonShutdown)
			c.publish()
			return
		case ev := <-c.events:
			ev.handle(c)
			c.publish()
			if c.state == StateClosed {
				return
			}
		}
	}
}

func (c *Call) post(ev event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Call) onTelephony(msg any) {
	switch m := msg.(type) {
	case protocol.TelephonyConnected:
		log.Printf("call %s: telephony connected (%s %s)", c.id, m.Protocol, m.Version)
	case protocol.TelephonyStart:
		c.onStreamStart(m)
	case protocol.TelephonyMedia:
		c.onInboundAudio(m.Payload)
	case protocol.TelephonyDTMF:
		if !c.isTerminating {
			c.lastActivityAt = c.clock.Now()
		}
	case protocol.TelephonyMark:
	case protocol.TelephonyStop:
		log.Printf("call %s: telephony stopped stream %s", c.id, m.StreamSID)
		c.telephonyGone = true
		c.finish(ReasonTelephonyClosed)
	}
}

func (c *Call) onTelephonyClosed(err error) {
	if c.isTerminating {
		return
	}
	log.Printf("call %s: telephony leg closed (%s)", c.id, reliability.ClassifyWSClose(err))
	c.telephonyGone = true
	c.finish(ReasonTelephonyClosed)
}

func (c *Call) onStreamStart(m protocol.TelephonyStart) {
	if c.isTerminating {
		return
	}
	if c.streamSID != "" {
		log.Printf("call %s: ignoring duplicate start for stream %s", c.id, m.StreamSID)
		return
	}
	now := c.clock.Now()
	c.streamSID = m.StreamSID
	c.callSID = m.CallSID
	c.params = m.Params
	c.pipeline.SetStream(m.StreamSID)
	c.sessionStartedAt = now
	c.lastActivityAt = now
	c.idleResets = 0
	c.idle.Arm(c.settings.IdleTimeout)
	c.metrics.CallEvent("stream_start")

	c.agentID = firstNonEmpty(m.Params.AgentID, c.settings.DefaultAgentID)
	log.Printf("call %s: stream %s started (call_sid=%s agent=%s)", c.id, c.streamSID, c.callSID, c.agentID)
	if c.agentID == "" {
		log.Printf("call %s: agent setup failed: no agent id in start parameters or configuration", c.id)
		c.metrics.ProviderError("convai", "missing_agent")
		c.metrics.CallEvent("setup_failed")
		return
	}
	if c.dialer == nil {
		log.Printf("call %s: agent setup failed: no dialer configured", c.id)
		c.metrics.CallEvent("setup_failed")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.settings.AgentConnectTimeout)
	c.cancelConnect = cancel
	go c.connectAgent(ctx, cancel, c.agentID)
}

// connectAgent runs off the loop; it only posts its result back.
func (c *Call) connectAgent(ctx context.Context, cancel context.CancelFunc, agentID string) {
	defer cancel()
	started := c.clock.Now()
	conn, err := c.dialer.Connect(ctx, agentID)
	latency := c.clock.Now().Sub(started)
	if !c.post(agentConnected{conn: conn, err: err, latency: latency}) && conn != nil {
		_ = conn.Close()
	}
}

func (c *Call) onAgentConnected(e agentConnected) {
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	if e.err != nil {
		log.Printf("call %s: agent setup failed: %v", c.id, e.err)
		c.metrics.ProviderError("convai", convai.ErrorCode(e.err))
		c.metrics.CallEvent("setup_failed")
		return
	}
	if c.isTerminating {
		_ = e.conn.Close()
		return
	}

	initiation := protocol.NewConversationInitiation(c.params, map[string]string{
		"call_id":    c.id,
		"call_sid":   c.callSID,
		"stream_sid": c.streamSID,
	})
	if err := e.conn.SendInitiation(initiation); err != nil {
		log.Printf("call %s: agent setup failed: send initiation: %v", c.id, err)
		c.metrics.ProviderError("convai", "initiation")
		c.metrics.CallEvent("setup_failed")
		_ = e.conn.Close()
		return
	}
	flushed, err := c.pipeline.AttachAgent(e.conn)
	if err != nil {
		log.Printf("call %s: agent setup failed: flush %d queued frames: %v", c.id, flushed, err)
		c.metrics.CallEvent("setup_failed")
		_ = e.conn.Close()
		return
	}

	c.agent = e.conn
	if c.state == StateConnecting {
		c.state = StateActive
	}
	c.metrics.ObserveAgentConnect(e.latency)
	c.metrics.CallEvent("agent_ready")
	log.Printf("call %s: agent ready in %s, flushed %d queued frames", c.id, e.latency.Round(time.Millisecond), flushed)
	go c.pumpAgent(e.conn)
}

func (c *Call) pumpAgent(conn AgentConn) {
	for ev := range conn.Events() {
		if !c.post(agentMessage{conn: conn, ev: ev}) {
			return
		}
	}
	c.post(agentClosed{conn: conn, err: conn.Err()})
}

func (c *Call) onInboundAudio(payload string) {
	if c.isTerminating {
		return
	}
	now := c.clock.Now()
	if c.checkDurationCeiling(now) {
		return
	}
	res, err := c.pipeline.Inbound(payload)
	switch res {
	case relay.InboundForwarded:
		c.lastActivityAt = now
	case relay.InboundQueuedEvicted:
		c.metrics.PendingEvicted()
	case relay.InboundDropped:
		if err != nil && !errors.Is(err, relay.ErrSealed) {
			log.Printf("call %s: forward caller audio: %v", c.id, err)
		}
	}
}

func (c *Call) onAgentMessage(conn AgentConn, ev protocol.AgentEvent) {
	if conn != c.agent || c.isTerminating {
		return
	}
	switch ev.Kind {
	case protocol.AgentMetadata:
		c.conversationID = ev.ConversationID
		log.Printf("call %s: conversation %s (out=%s in=%s)", c.id, ev.ConversationID, ev.AgentOutputFormat, ev.UserInputFormat)
	case protocol.AgentAudio:
		c.onAgentAudio(ev.AudioBase64)
	case protocol.AgentResponse:
		if strings.TrimSpace(ev.Text) != "" {
			c.lastAgentUtterance = ev.Text
			c.recordTurn(calllog.RoleAgent, ev.Text)
		}
		c.onAgentUtterance(ev.Text)
	case protocol.AgentResponseCorrected:
		if strings.TrimSpace(ev.Text) != "" {
			c.lastAgentUtterance = ev.Text
		}
		c.onAgentUtterance(ev.Text)
	case protocol.AgentTentative:
		c.onAgentUtterance(ev.Text)
	case protocol.AgentUserTranscript:
		c.recordTurn(calllog.RoleCaller, ev.UserText)
		c.lastActivityAt = c.clock.Now()
	case protocol.AgentInterruption:
		c.metrics.CallEvent("caller_interruption")
		if err := c.pipeline.Clear(); err != nil && !errors.Is(err, relay.ErrSealed) {
			log.Printf("call %s: clear telephony audio: %v", c.id, err)
		}
	case protocol.AgentPing:
		if err := conn.SendPong(ev.PingEventID); err != nil {
			log.Printf("call %s: pong %d: %v", c.id, ev.PingEventID, err)
		}
	}
	if c.isTerminating {
		return
	}
	c.applyVerdict(c.guard.Evaluate(c.guardState(), ev))
}

func (c *Call) onAgentAudio(payload string) {
	now := c.clock.Now()
	if c.checkDurationCeiling(now) {
		return
	}
	if err := c.pipeline.Outbound(payload); err != nil {
		c.metrics.WSMessage("telephony", "out", "dropped")
		return
	}
	c.lastAudioEmittedAt = now
	c.lastActivityAt = now
	if c.firstAudioAt.IsZero() {
		c.firstAudioAt = now
	}
	// While rechecks remain the timer fires and reschedules itself. After
	// that, audio keeps the hang-up a trailing window behind the last frame.
	if c.termination.Armed() && c.graceExtensions >= c.settings.MaxGraceExtensions &&
		c.termination.Remaining() < c.settings.TrailingAudioWindow {
		c.termination.Arm(c.settings.TrailingAudioWindow)
	}
}

func (c *Call) onAgentUtterance(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	m := c.matcher.Detect(text)
	if !m.Matched {
		return
	}
	if !m.AtUtteranceEnd {
		log.Printf("call %s: closing phrase %q mid-utterance, not treated as sign-off", c.id, m.Phrase)
		c.metrics.CallEvent("closing_phrase_mid_utterance")
		return
	}
	if c.closingPhraseDetected {
		return
	}
	c.closingPhraseDetected = true
	c.closingPhrase = m.Phrase
	log.Printf("call %s: closing phrase %q detected", c.id, m.Phrase)
	c.armTermination(ReasonClosingPhrase)
}

func (c *Call) applyVerdict(v hangup.Verdict) {
	if v.Action == hangup.ActionNone {
		return
	}
	c.metrics.GuardDecision(string(v.Source), string(v.Action))
	switch v.Action {
	case hangup.ActionSuppress:
		log.Printf("call %s: suppressed %s signal: %s", c.id, v.Source, v.Reason)
		c.suppressedSignals++
		c.answerToolCall(v.ToolCall, toolResultSuppressed, true)
	case hangup.ActionArmTimer:
		reason := ReasonConversationEnd
		if v.Source == hangup.SourceEndCallTool {
			reason = ReasonEndCallTool
		}
		c.answerToolCall(v.ToolCall, toolResultAccepted, false)
		c.armTermination(reason)
	}
}

func (c *Call) answerToolCall(call protocol.ToolCall, result string, isError bool) {
	if call.ID == "" || c.agent == nil {
		return
	}
	if err := c.agent.SendToolResult(protocol.NewClientToolResult(call.ID, result, isError)); err != nil {
		log.Printf("call %s: answer tool call %s: %v", c.id, call.ID, err)
	}
}

// armTermination schedules the delayed hang-up. An already armed timer keeps
// its deadline.
func (c *Call) armTermination(reason EndReason) {
	if c.isTerminating {
		return
	}
	if c.termination.Armed() {
		// Record the explicit agent signal as the end reason.
		if reason != ReasonClosingPhrase && c.pendingReason == ReasonClosingPhrase {
			c.pendingReason = reason
		}
		return
	}
	c.pendingReason = reason
	c.state = StateClosing
	c.closingArmedAt = c.clock.Now()
	c.termination.Arm(c.settings.TerminationGrace)
	c.metrics.CallEvent("termination_armed")
	log.Printf("call %s: hang-up armed (%s), grace %s", c.id, reason, c.settings.TerminationGrace)
}

func (c *Call) onTimer(kind timerKind, gen uint64) {
	switch kind {
	case timerTermination:
		c.onTerminationTimer(gen)
	case timerIdle:
		c.onIdleTimer(gen)
	}
}

func (c *Call) onTerminationTimer(gen uint64) {
	if c.isTerminating || !c.termination.Fire(gen) {
		return
	}
	now := c.clock.Now()
	if !c.lastAudioEmittedAt.IsZero() && now.Sub(c.lastAudioEmittedAt) < c.settings.TrailingAudioWindow {
		if c.graceExtensions < c.settings.MaxGraceExtensions {
			c.graceExtensions++
			c.termination.Arm(c.settings.TrailingRecheck)
			log.Printf("call %s: agent still speaking, hang-up rechecked in %s (%d/%d)",
				c.id, c.settings.TrailingRecheck, c.graceExtensions, c.settings.MaxGraceExtensions)
			return
		}
		log.Printf("call %s: grace extensions exhausted, hanging up", c.id)
	}
	c.finish(c.pendingReason)
}

func (c *Call) onIdleTimer(gen uint64) {
	if c.isTerminating || !c.idle.Fire(gen) {
		return
	}
	now := c.clock.Now()
	if c.checkDurationCeiling(now) {
		return
	}
	if quiet := now.Sub(c.lastActivityAt); quiet < c.settings.IdleTimeout {
		c.idleResets = 0
		c.idle.Arm(c.settings.IdleTimeout - quiet)
		return
	}
	if c.closingPhraseDetected {
		c.armTermination(ReasonClosingPhrase)
		c.idle.Arm(c.settings.IdleTimeout)
		return
	}
	c.idleResets++
	if c.idleResets > c.settings.MaxIdleResets {
		log.Printf("call %s: idle ceiling reached after %d resets without closing phrase", c.id, c.idleResets-1)
		c.finish(ReasonIdleCeiling)
		return
	}
	log.Printf("call %s: idle without closing phrase, keeping line open (%d/%d)", c.id, c.idleResets, c.settings.MaxIdleResets)
	c.idle.Arm(c.settings.IdleTimeout)
}

// checkDurationCeiling ends the call once it outlives MaxCallDuration.
func (c *Call) checkDurationCeiling(now time.Time) bool {
	if c.isTerminating {
		return true
	}
	if now.Sub(c.startedAtOrCreated()) < c.settings.MaxCallDuration {
		return false
	}
	log.Printf("call %s: duration ceiling %s reached", c.id, c.settings.MaxCallDuration)
	c.finish(ReasonDurationCeiling)
	return true
}

func (c *Call) onAgentClosed(conn AgentConn, err error) {
	if conn != c.agent || c.isTerminating {
		return
	}
	code := reliability.ClassifyWSClose(err)
	log.Printf("call %s: agent connection closed (%s)", c.id, code)
	if !reliability.IsExpectedClose(err) {
		c.metrics.ProviderError("convai", code)
	}
	c.pipeline.DetachAgent()
	_ = c.agent.Close()
	c.agent = nil

	c.applyVerdict(c.guard.Evaluate(c.guardState(), protocol.AgentEvent{
		Kind:    protocol.AgentConversationEnd,
		RawType: "socket_closed",
	}))
	if c.state == StateActive {
		c.state = StateConnecting
	}
}

// finish tears the call down exactly once: timers first, then audio, then
// both connections.
func (c *Call) finish(reason EndReason) {
	if c.isTerminating {
		return
	}
	c.isTerminating = true
	c.reason = reason
	c.state = StateClosing
	c.termination.Cancel()
	c.idle.Cancel()
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	if dropped := c.pipeline.Seal(); dropped > 0 {
		log.Printf("call %s: discarded %d queued caller frames", c.id, dropped)
	}
	if !c.telephonyGone {
		if err := c.pipeline.Stop(); err != nil {
			log.Printf("call %s: send stop: %v", c.id, err)
		}
	}
	if c.agent != nil {
		_ = c.agent.Close()
		c.agent = nil
	}
	if err := c.leg.Close(); err != nil {
		log.Printf("call %s: close telephony: %v", c.id, err)
	}

	now := c.clock.Now()
	c.endedAt = now.UTC()
	c.state = StateClosed
	c.metrics.Terminated(string(reason))
	c.metrics.CallEvent("ended")
	if c.recorder != nil {
		c.recorder.RecordOutcome(calllog.Outcome{
			CallID:         c.id,
			StreamSID:      c.streamSID,
			CampaignID:     c.params.CampaignID,
			ContactID:      c.params.ContactID,
			ConversationID: c.conversationID,
			Reason:         string(reason),
			ClosingPhrase:  c.closingPhrase,
			StartedAt:      c.startedAtOrCreated(),
			EndedAt:        c.endedAt,
		})
	}
	log.Printf("call %s: ended (%s)", c.id, reason)
}

func (c *Call) recordTurn(role, text string) {
	if c.recorder == nil || strings.TrimSpace(text) == "" {
		return
	}
	c.recorder.RecordTurn(calllog.Turn{
		CallID:    c.id,
		StreamSID: c.streamSID,
		Role:      role,
		Content:   text,
		CreatedAt: c.clock.Now().UTC(),
	})
}

func (c *Call) guardState() hangup.State {
	return hangup.State{
		ClosingPhraseDetected: c.closingPhraseDetected,
		LastAgentUtterance:    c.lastAgentUtterance,
	}
}

func (c *Call) startedAtOrCreated() time.Time {
	if c.sessionStartedAt.IsZero() {
		return c.createdAt
	}
	return c.sessionStartedAt.UTC()
}

func (c *Call) publish() {
	info := Info{
		ID:                    c.id,
		StreamSID:             c.streamSID,
		CallSID:               c.callSID,
		AgentID:               c.agentID,
		CampaignID:            c.params.CampaignID,
		ContactID:             c.params.ContactID,
		ConversationID:        c.conversationID,
		State:                 c.state,
		AgentReady:            c.pipeline.AgentReady(),
		ClosingPhraseDetected: c.closingPhraseDetected,
		ClosingPhrase:         c.closingPhrase,
		LastAgentUtterance:    c.lastAgentUtterance,
		TerminationArmed:      c.termination.Armed(),
		PendingAudio:          c.pipeline.Pending(),
		GraceExtensions:       c.graceExtensions,
		IdleResets:            c.idleResets,
		SuppressedSignals:     c.suppressedSignals,
		EndReason:             c.reason,
		CreatedAt:             c.createdAt,
	}
	if !c.sessionStartedAt.IsZero() {
		info.StartedAt = c.sessionStartedAt.UTC()
		info.LastActivityAt = c.lastActivityAt.UTC()
	}
	if !c.firstAudioAt.IsZero() {
		info.FirstAudioAt = c.firstAudioAt.UTC()
	}
	if !c.closingArmedAt.IsZero() {
		info.ClosingArmedAt = c.closingArmedAt.UTC()
	}
	if !c.endedAt.IsZero() {
		ended := c.endedAt
		info.EndedAt = &ended
	}
	c.info.Store(&info)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
