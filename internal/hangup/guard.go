package hangup

import (
	"strings"

	"github.com/antoniostano/callbridge/internal/protocol"
)

type Action string

const (
	ActionNone     Action = "none"
	ActionSuppress Action = "suppress"
	ActionArmTimer Action = "armTimer"
)

// Source names the kind of termination signal a verdict was about.
type Source string

const (
	SourceNone            Source = ""
	SourceEndCallTool     Source = "end_call_tool"
	SourceConversationEnd Source = "conversation_end"
)

const (
	ReasonNoSignal          = "no_termination_signal"
	ReasonNoClosingPhrase   = "closing_phrase_not_detected"
	ReasonUtteranceMismatch = "utterance_lacks_closing_phrase"
	ReasonConfirmed         = "closing_phrase_confirmed"
)

// State is the part of the call the guard needs to judge a signal.
type State struct {
	ClosingPhraseDetected bool
	LastAgentUtterance    string
}

type Verdict struct {
	Action   Action
	Source   Source
	Reason   string
	ToolCall protocol.ToolCall
}

// Guard gates end-call directives and conversation-end signals behind an
// observed closing phrase.
type Guard struct {
	matcher *Matcher
	tools   []string
}

func NewGuard(matcher *Matcher, endCallTools []string) *Guard {
	g := &Guard{matcher: matcher}
	for _, name := range endCallTools {
		if name = strings.TrimSpace(name); name != "" {
			g.tools = append(g.tools, name)
		}
	}
	if len(g.tools) == 0 {
		g.tools = []string{"end_call"}
	}
	return g
}

func (g *Guard) Matcher() *Matcher { return g.matcher }

// Evaluate judges one provider event against the call state.
func (g *Guard) Evaluate(st State, ev protocol.AgentEvent) Verdict {
	if call, ok := protocol.EndCallDirective(ev.ToolCalls, g.tools); ok {
		v := Verdict{Source: SourceEndCallTool, ToolCall: call}
		switch {
		case !st.ClosingPhraseDetected:
			v.Action, v.Reason = ActionSuppress, ReasonNoClosingPhrase
		case !g.matcher.Contains(ev.Text) && !g.matcher.Contains(st.LastAgentUtterance):
			v.Action, v.Reason = ActionSuppress, ReasonUtteranceMismatch
		default:
			v.Action, v.Reason = ActionArmTimer, ReasonConfirmed
		}
		return v
	}

	if ev.Kind == protocol.AgentConversationEnd {
		if !st.ClosingPhraseDetected {
			return Verdict{Action: ActionSuppress, Source: SourceConversationEnd, Reason: ReasonNoClosingPhrase}
		}
		return Verdict{Action: ActionArmTimer, Source: SourceConversationEnd, Reason: ReasonConfirmed}
	}

	return Verdict{Action: ActionNone, Reason: ReasonNoSignal}
}
