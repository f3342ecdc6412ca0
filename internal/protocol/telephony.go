package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TelephonyEvent identifies media-stream frame variants on the telephony leg.
type TelephonyEvent string

const (
	EventConnected TelephonyEvent = "connected"
	EventStart     TelephonyEvent = "start"
	EventMedia     TelephonyEvent = "media"
	EventMark      TelephonyEvent = "mark"
	EventDTMF      TelephonyEvent = "dtmf"
	EventStop      TelephonyEvent = "stop"
	EventClear     TelephonyEvent = "clear"
)

var ErrUnsupportedEvent = errors.New("unsupported telephony event")

type telephonyEnvelope struct {
	Event     TelephonyEvent `json:"event"`
	StreamSID string         `json:"streamSid"`
}

// StartParams are the custom parameters the dialer attaches to the stream.
type StartParams struct {
	AgentID      string
	Prompt       string
	FirstMessage string
	CampaignID   string
	ContactID    string
	Extra        map[string]string
}

// TelephonyConnected is the first frame after the socket opens; it carries no stream yet.
type TelephonyConnected struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

type TelephonyStart struct {
	StreamSID string
	CallSID   string
	AccountID string
	Params    StartParams
}

type TelephonyMedia struct {
	StreamSID string
	Track     string
	Chunk     string
	Payload   string
}

type TelephonyMark struct {
	StreamSID string
	Name      string
}

type TelephonyDTMF struct {
	StreamSID string
	Digit     string
}

type TelephonyStop struct {
	StreamSID string
	CallSID   string
}

type startWire struct {
	StreamSID        string            `json:"streamSid"`
	Start            *startBody        `json:"start"`
	CustomParameters map[string]string `json:"customParameters"`
}

type startBody struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaWire struct {
	StreamSID string `json:"streamSid"`
	Media     *struct {
		Track   string `json:"track"`
		Chunk   string `json:"chunk"`
		Payload string `json:"payload"`
	} `json:"media"`
}

type markWire struct {
	StreamSID string `json:"streamSid"`
	Mark      *struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type dtmfWire struct {
	StreamSID string `json:"streamSid"`
	DTMF      *struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

type stopWire struct {
	StreamSID string `json:"streamSid"`
	Stop      *struct {
		CallSID string `json:"callSid"`
	} `json:"stop"`
}

// ParseTelephonyMessage decodes one inbound media-stream frame into its typed variant.
func ParseTelephonyMessage(raw []byte) (any, error) {
	var env telephonyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case EventConnected:
		var msg TelephonyConnected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventStart:
		var w startWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		if w.Start == nil {
			return nil, errors.New("invalid start: missing start body")
		}
		msg := TelephonyStart{
			StreamSID: firstNonEmpty(w.Start.StreamSID, w.StreamSID),
			CallSID:   w.Start.CallSID,
			AccountID: w.Start.AccountSID,
		}
		custom := w.Start.CustomParameters
		if len(custom) == 0 {
			custom = w.CustomParameters
		}
		msg.Params = parseStartParams(custom)
		if msg.StreamSID == "" {
			return nil, errors.New("invalid start: missing streamSid")
		}
		return msg, nil
	case EventMedia:
		var w mediaWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		if w.Media == nil || w.Media.Payload == "" {
			return nil, errors.New("invalid media: missing payload")
		}
		return TelephonyMedia{
			StreamSID: w.StreamSID,
			Track:     w.Media.Track,
			Chunk:     w.Media.Chunk,
			Payload:   w.Media.Payload,
		}, nil
	case EventMark:
		var w markWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		msg := TelephonyMark{StreamSID: w.StreamSID}
		if w.Mark != nil {
			msg.Name = w.Mark.Name
		}
		return msg, nil
	case EventDTMF:
		var w dtmfWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		msg := TelephonyDTMF{StreamSID: w.StreamSID}
		if w.DTMF != nil {
			msg.Digit = w.DTMF.Digit
		}
		return msg, nil
	case EventStop:
		var w stopWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		msg := TelephonyStop{StreamSID: w.StreamSID}
		if w.Stop != nil {
			msg.CallSID = w.Stop.CallSID
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedEvent
	}
}

var startParamAliases = map[string][]string{
	"agent_id":      {"agent_id", "agentId", "agentID"},
	"prompt":        {"prompt", "systemPrompt", "system_prompt"},
	"first_message": {"first_message", "firstMessage"},
	"campaign_id":   {"campaign_id", "campaignId"},
	"contact_id":    {"contact_id", "contactId"},
}

func parseStartParams(custom map[string]string) StartParams {
	lookup := func(name string) string {
		for _, key := range startParamAliases[name] {
			if v := strings.TrimSpace(custom[key]); v != "" {
				return v
			}
		}
		return ""
	}
	known := make(map[string]struct{})
	for _, aliases := range startParamAliases {
		for _, key := range aliases {
			known[key] = struct{}{}
		}
	}

	p := StartParams{
		AgentID:      lookup("agent_id"),
		Prompt:       lookup("prompt"),
		FirstMessage: lookup("first_message"),
		CampaignID:   lookup("campaign_id"),
		ContactID:    lookup("contact_id"),
	}
	for k, v := range custom {
		if _, ok := known[k]; ok {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]string)
		}
		p.Extra[k] = v
	}
	return p
}

// Outbound frames written to the telephony leg.

type MediaPayload struct {
	Payload string `json:"payload"`
}

type OutboundMedia struct {
	Event     TelephonyEvent `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     MediaPayload   `json:"media"`
}

type OutboundClear struct {
	Event     TelephonyEvent `json:"event"`
	StreamSID string         `json:"streamSid"`
}

type OutboundStop struct {
	Event     TelephonyEvent `json:"event"`
	StreamSID string         `json:"streamSid"`
}

func NewOutboundMedia(streamSID, payload string) OutboundMedia {
	return OutboundMedia{Event: EventMedia, StreamSID: streamSID, Media: MediaPayload{Payload: payload}}
}

func NewOutboundClear(streamSID string) OutboundClear {
	return OutboundClear{Event: EventClear, StreamSID: streamSID}
}

func NewOutboundStop(streamSID string) OutboundStop {
	return OutboundStop{Event: EventStop, StreamSID: streamSID}
}

// TelephonyEventOf reports the frame discriminator of an inbound or outbound telephony message.
func TelephonyEventOf(v any) (TelephonyEvent, bool) {
	switch m := v.(type) {
	case TelephonyConnected:
		return EventConnected, true
	case TelephonyStart:
		return EventStart, true
	case TelephonyMedia:
		return EventMedia, true
	case TelephonyMark:
		return EventMark, true
	case TelephonyDTMF:
		return EventDTMF, true
	case TelephonyStop:
		return EventStop, true
	case OutboundMedia:
		return m.Event, true
	case OutboundClear:
		return m.Event, true
	case OutboundStop:
		return m.Event, true
	default:
		return "", false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
