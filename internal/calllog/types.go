package calllog

import (
	"context"
	"time"
)

// Turn stores a single agent or caller utterance from a call.
type Turn struct {
	ID          string    `json:"id"`
	CallID      string    `json:"call_id"`
	StreamSID   string    `json:"stream_sid"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	RoleAgent  = "agent"
	RoleCaller = "caller"
)

// Outcome records how and why a call ended.
type Outcome struct {
	CallID         string    `json:"call_id"`
	StreamSID      string    `json:"stream_sid"`
	CampaignID     string    `json:"campaign_id,omitempty"`
	ContactID      string    `json:"contact_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Reason         string    `json:"reason"`
	ClosingPhrase  string    `json:"closing_phrase,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
}

// Store persists call transcripts and termination outcomes.
type Store interface {
	SaveTurn(ctx context.Context, turn Turn) error
	SaveOutcome(ctx context.Context, outcome Outcome) error
	Close() error
}
