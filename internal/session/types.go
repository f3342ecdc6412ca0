package session

import (
	"context"
	"time"

	"github.com/antoniostano/callbridge/internal/calllog"
	"github.com/antoniostano/callbridge/internal/hangup"
	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/protocol"
	"github.com/antoniostano/callbridge/internal/relay"
)

type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

type EndReason string

const (
	ReasonClosingPhrase   EndReason = "closing_phrase"
	ReasonEndCallTool     EndReason = "end_call_tool"
	ReasonConversationEnd EndReason = "conversation_end"
	ReasonIdleCeiling     EndReason = "idle_ceiling"
	ReasonDurationCeiling EndReason = "duration_ceiling"
	ReasonTelephonyClosed EndReason = "telephony_closed"
	ReasonOperator        EndReason = "operator"
	ReasonShutdown        EndReason = "shutdown"
)

// Info is a read-only snapshot of a call, safe to hand to other goroutines.
type Info struct {
	ID                    string     `json:"call_id"`
	StreamSID             string     `json:"stream_sid,omitempty"`
	CallSID               string     `json:"call_sid,omitempty"`
	AgentID               string     `json:"agent_id,omitempty"`
	CampaignID            string     `json:"campaign_id,omitempty"`
	ContactID             string     `json:"contact_id,omitempty"`
	ConversationID        string     `json:"conversation_id,omitempty"`
	State                 State      `json:"state"`
	AgentReady            bool       `json:"agent_ready"`
	ClosingPhraseDetected bool       `json:"closing_phrase_detected"`
	ClosingPhrase         string     `json:"closing_phrase,omitempty"`
	LastAgentUtterance    string     `json:"last_agent_utterance,omitempty"`
	TerminationArmed      bool       `json:"termination_armed"`
	PendingAudio          int        `json:"pending_audio"`
	GraceExtensions       int        `json:"grace_extensions"`
	IdleResets            int        `json:"idle_resets"`
	SuppressedSignals     int        `json:"suppressed_signals"`
	EndReason             EndReason  `json:"end_reason,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	StartedAt             time.Time  `json:"started_at,omitempty"`
	LastActivityAt        time.Time  `json:"last_activity_at,omitempty"`
	FirstAudioAt          time.Time  `json:"first_audio_at,omitempty"`
	ClosingArmedAt        time.Time  `json:"closing_armed_at,omitempty"`
	EndedAt               *time.Time `json:"ended_at,omitempty"`
}

// Settings are the per-call timings and limits.
type Settings struct {
	DefaultAgentID      string
	TerminationGrace    time.Duration
	TrailingAudioWindow time.Duration
	TrailingRecheck     time.Duration
	MaxGraceExtensions  int
	IdleTimeout         time.Duration
	MaxIdleResets       int
	MaxCallDuration     time.Duration
	PendingAudioLimit   int
	AgentConnectTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.TerminationGrace <= 0 {
		s.TerminationGrace = 15 * time.Second
	}
	if s.TrailingAudioWindow <= 0 {
		s.TrailingAudioWindow = 2 * time.Second
	}
	if s.TrailingRecheck <= 0 {
		s.TrailingRecheck = 5 * time.Second
	}
	if s.MaxGraceExtensions < 0 {
		s.MaxGraceExtensions = 0
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = 30 * time.Second
	}
	if s.MaxIdleResets <= 0 {
		s.MaxIdleResets = 20
	}
	if s.MaxCallDuration <= 0 {
		s.MaxCallDuration = 15 * time.Minute
	}
	if s.PendingAudioLimit <= 0 {
		s.PendingAudioLimit = 50
	}
	if s.AgentConnectTimeout <= 0 {
		s.AgentConnectTimeout = 10 * time.Second
	}
	return s
}

// AgentConn is a live conversation with the AI provider.
type AgentConn interface {
	relay.AgentSink
	SendInitiation(msg protocol.ConversationInitiation) error
	SendPong(eventID int) error
	SendToolResult(msg protocol.ClientToolResult) error
	// Events is closed when the provider socket ends; Err then reports why.
	Events() <-chan protocol.AgentEvent
	Err() error
	Close() error
}

type AgentDialer interface {
	Connect(ctx context.Context, agentID string) (AgentConn, error)
}

// DialerFunc adapts a function to AgentDialer.
type DialerFunc func(ctx context.Context, agentID string) (AgentConn, error)

func (f DialerFunc) Connect(ctx context.Context, agentID string) (AgentConn, error) {
	return f(ctx, agentID)
}

// TelephonyLeg is the phone side of a call.
type TelephonyLeg interface {
	relay.TelephonySink
	Close() error
}

// Recorder receives transcripts and outcomes. Implementations must not block.
type Recorder interface {
	RecordTurn(turn calllog.Turn)
	RecordOutcome(outcome calllog.Outcome)
}

// Deps are the collaborators shared by every call.
type Deps struct {
	Guard    *hangup.Guard
	Dialer   AgentDialer
	Clock    Clock
	Metrics  *observability.Metrics
	Recorder Recorder
}
