package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AgentEventKind is the closed set of provider message shapes the relay acts on.
type AgentEventKind string

const (
	AgentMetadata          AgentEventKind = "conversation_initiation_metadata"
	AgentAudio             AgentEventKind = "audio"
	AgentResponse          AgentEventKind = "agent_response"
	AgentResponseCorrected AgentEventKind = "agent_response_correction"
	AgentTentative         AgentEventKind = "internal_tentative_agent_response"
	AgentUserTranscript    AgentEventKind = "user_transcript"
	AgentInterruption      AgentEventKind = "interruption"
	AgentPing              AgentEventKind = "ping"
	AgentToolCall          AgentEventKind = "client_tool_call"
	AgentConversationEnd   AgentEventKind = "conversation_end"
	AgentOther             AgentEventKind = "other"
)

// conversationEndTypes are the provider's assorted termination signals.
var conversationEndTypes = map[string]struct{}{
	"conversation_end":   {},
	"conversation_ended": {},
	"session_ended":      {},
	"end_call":           {},
}

// ToolCall is a tool invocation found anywhere in a provider message.
type ToolCall struct {
	ID         string
	Name       string
	Parameters json.RawMessage
}

// AgentEvent is a provider message normalised once at ingestion.
type AgentEvent struct {
	Kind    AgentEventKind
	RawType string

	AudioBase64  string
	AudioEventID int

	// Text is the agent's utterance (full, corrected or tentative depending on Kind).
	Text     string
	UserText string

	PingEventID int

	ConversationID    string
	AgentOutputFormat string
	UserInputFormat   string

	ToolCalls []ToolCall
}

type toolCallWire struct {
	ID         string          `json:"tool_call_id"`
	AltID      string          `json:"id"`
	ToolName   string          `json:"tool_name"`
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
	Function   *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type transcriptTurnWire struct {
	Role      string          `json:"role"`
	Message   string          `json:"message"`
	ToolCalls json.RawMessage `json:"tool_calls"`
}

// agentEnvelope holds every payload undecoded. Only the payload named by Type
// is decoded, and each tool-call location is decoded on its own.
type agentEnvelope struct {
	Type string `json:"type"`

	AudioEvent             json.RawMessage `json:"audio_event"`
	AgentResponseEvent     json.RawMessage `json:"agent_response_event"`
	CorrectionEvent        json.RawMessage `json:"agent_response_correction_event"`
	TentativeEvent         json.RawMessage `json:"tentative_agent_response_internal_event"`
	UserTranscriptionEvent json.RawMessage `json:"user_transcription_event"`
	PingEvent              json.RawMessage `json:"ping_event"`
	MetadataEvent          json.RawMessage `json:"conversation_initiation_metadata_event"`

	ClientToolCall json.RawMessage `json:"client_tool_call"`
	ToolCall       json.RawMessage `json:"tool_call"`
	ToolCalls      json.RawMessage `json:"tool_calls"`
	Transcript     json.RawMessage `json:"transcript"`
}

type audioEventWire struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int    `json:"event_id"`
}

type agentResponseWire struct {
	AgentResponse string          `json:"agent_response"`
	ToolCalls     json.RawMessage `json:"tool_calls"`
}

type correctionWire struct {
	OriginalAgentResponse  string `json:"original_agent_response"`
	CorrectedAgentResponse string `json:"corrected_agent_response"`
}

type tentativeWire struct {
	TentativeAgentResponse string `json:"tentative_agent_response"`
}

type userTranscriptionWire struct {
	UserTranscript string `json:"user_transcript"`
}

type pingWire struct {
	EventID int `json:"event_id"`
}

type metadataWire struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	UserInputAudioFormat   string `json:"user_input_audio_format"`
}

// ParseAgentMessage decodes one provider message, collecting tool calls from every
// location the provider is known to nest them under. A location whose shape is
// unexpected yields no tool calls; it never fails the message.
func ParseAgentMessage(raw []byte) (AgentEvent, error) {
	var env agentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return AgentEvent{}, fmt.Errorf("invalid agent message: %w", err)
	}

	ev := AgentEvent{RawType: env.Type}
	var responseToolCalls json.RawMessage
	var err error
	switch t := strings.TrimSpace(env.Type); t {
	case string(AgentMetadata):
		ev.Kind = AgentMetadata
		var p metadataWire
		if err = decodePayload(env.MetadataEvent, &p); err == nil {
			ev.ConversationID = p.ConversationID
			ev.AgentOutputFormat = p.AgentOutputAudioFormat
			ev.UserInputFormat = p.UserInputAudioFormat
		}
	case string(AgentAudio):
		ev.Kind = AgentAudio
		var p audioEventWire
		if err = decodePayload(env.AudioEvent, &p); err == nil {
			ev.AudioBase64 = p.AudioBase64
			ev.AudioEventID = p.EventID
		}
	case string(AgentResponse):
		ev.Kind = AgentResponse
		var p agentResponseWire
		if err = decodePayload(env.AgentResponseEvent, &p); err == nil {
			ev.Text = p.AgentResponse
			responseToolCalls = p.ToolCalls
		}
	case string(AgentResponseCorrected):
		ev.Kind = AgentResponseCorrected
		var p correctionWire
		if err = decodePayload(env.CorrectionEvent, &p); err == nil {
			ev.Text = p.CorrectedAgentResponse
		}
	case string(AgentTentative):
		ev.Kind = AgentTentative
		var p tentativeWire
		if err = decodePayload(env.TentativeEvent, &p); err == nil {
			ev.Text = p.TentativeAgentResponse
		}
	case string(AgentUserTranscript):
		ev.Kind = AgentUserTranscript
		var p userTranscriptionWire
		if err = decodePayload(env.UserTranscriptionEvent, &p); err == nil {
			ev.UserText = p.UserTranscript
		}
	case string(AgentInterruption):
		ev.Kind = AgentInterruption
	case string(AgentPing):
		ev.Kind = AgentPing
		var p pingWire
		if err = decodePayload(env.PingEvent, &p); err == nil {
			ev.PingEventID = p.EventID
		}
	case string(AgentToolCall):
		ev.Kind = AgentToolCall
	default:
		if _, ok := conversationEndTypes[t]; ok {
			ev.Kind = AgentConversationEnd
		} else {
			ev.Kind = AgentOther
		}
	}
	if err != nil {
		return AgentEvent{}, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}

	ev.ToolCalls = collectToolCalls(env, responseToolCalls)
	return ev, nil
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func collectToolCalls(env agentEnvelope, responseToolCalls json.RawMessage) []ToolCall {
	var out []ToolCall
	out = appendToolCalls(out, env.ClientToolCall)
	out = appendToolCalls(out, env.ToolCall)
	out = appendToolCalls(out, env.ToolCalls)
	for _, turn := range decodeList(env.Transcript) {
		var tw transcriptTurnWire
		if json.Unmarshal(turn, &tw) != nil {
			continue
		}
		out = appendToolCalls(out, tw.ToolCalls)
	}
	return appendToolCalls(out, responseToolCalls)
}

// appendToolCalls accepts a single tool call object or a list of them. Entries
// that are not objects, or that carry no name, are skipped.
func appendToolCalls(out []ToolCall, raw json.RawMessage) []ToolCall {
	for _, item := range decodeList(raw) {
		var tc toolCallWire
		if json.Unmarshal(item, &tc) != nil {
			continue
		}
		call := ToolCall{
			ID:         firstNonEmpty(tc.ID, tc.AltID),
			Name:       firstNonEmpty(tc.ToolName, tc.Name),
			Parameters: tc.Parameters,
		}
		if call.Name == "" && tc.Function != nil {
			call.Name = tc.Function.Name
			if len(call.Parameters) == 0 {
				call.Parameters = tc.Function.Arguments
			}
		}
		if call.Name == "" {
			continue
		}
		out = append(out, call)
	}
	return out
}

// decodeList returns the elements of a JSON array, or the value itself when it
// is an object. Anything else decodes to nothing.
func decodeList(raw json.RawMessage) []json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, "["):
		var items []json.RawMessage
		if json.Unmarshal(raw, &items) != nil {
			return nil
		}
		return items
	case strings.HasPrefix(trimmed, "{"):
		return []json.RawMessage{raw}
	default:
		return nil
	}
}

// EndCallDirective returns the first tool call named for call termination.
func EndCallDirective(calls []ToolCall, names []string) (ToolCall, bool) {
	for _, call := range calls {
		for _, name := range names {
			if strings.EqualFold(strings.TrimSpace(call.Name), strings.TrimSpace(name)) {
				return call, true
			}
		}
	}
	return ToolCall{}, false
}

// Outbound messages written to the provider.

type PromptOverride struct {
	Prompt string `json:"prompt"`
}

type AgentOverride struct {
	Prompt       *PromptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
}

type ConversationConfigOverride struct {
	Agent AgentOverride `json:"agent"`
}

type ConversationInitiation struct {
	Type                       string                      `json:"type"`
	ConversationConfigOverride *ConversationConfigOverride `json:"conversation_config_override,omitempty"`
	DynamicVariables           map[string]string           `json:"dynamic_variables,omitempty"`
}

// NewConversationInitiation builds the first message sent after the provider socket opens.
func NewConversationInitiation(params StartParams, correlation map[string]string) ConversationInitiation {
	msg := ConversationInitiation{Type: "conversation_initiation_client_data"}
	if params.Prompt != "" || params.FirstMessage != "" {
		override := &ConversationConfigOverride{}
		if params.Prompt != "" {
			override.Agent.Prompt = &PromptOverride{Prompt: params.Prompt}
		}
		override.Agent.FirstMessage = params.FirstMessage
		msg.ConversationConfigOverride = override
	}

	vars := make(map[string]string)
	for k, v := range params.Extra {
		vars[k] = v
	}
	if params.CampaignID != "" {
		vars["campaign_id"] = params.CampaignID
	}
	if params.ContactID != "" {
		vars["contact_id"] = params.ContactID
	}
	for k, v := range correlation {
		if strings.TrimSpace(v) != "" {
			vars[k] = v
		}
	}
	if len(vars) > 0 {
		msg.DynamicVariables = vars
	}
	return msg
}

type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type Pong struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

func NewPong(eventID int) Pong {
	return Pong{Type: "pong", EventID: eventID}
}

type ClientToolResult struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

func NewClientToolResult(toolCallID, result string, isError bool) ClientToolResult {
	return ClientToolResult{Type: "client_tool_result", ToolCallID: toolCallID, Result: result, IsError: isError}
}
