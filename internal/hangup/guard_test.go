package hangup

import (
	"testing"

	"github.com/antoniostano/callbridge/internal/protocol"
)

func endCallEvent(text string) protocol.AgentEvent {
	return protocol.AgentEvent{
		Kind:      protocol.AgentResponse,
		Text:      text,
		ToolCalls: []protocol.ToolCall{{ID: "tc1", Name: "end_call"}},
	}
}

func TestGuardSuppressesDirectiveWithoutClosingPhrase(t *testing.T) {
	g := NewGuard(newTestMatcher(), []string{"end_call"})
	v := g.Evaluate(State{LastAgentUtterance: "... dus activeer ik nu uw account."}, endCallEvent("... dus activeer ik nu uw account."))
	if v.Action != ActionSuppress {
		t.Fatalf("Action = %q, want %q", v.Action, ActionSuppress)
	}
	if v.Reason != ReasonNoClosingPhrase || v.Source != SourceEndCallTool {
		t.Fatalf("verdict = %+v", v)
	}
	if v.ToolCall.ID != "tc1" {
		t.Fatalf("ToolCall.ID = %q, want tc1", v.ToolCall.ID)
	}
}

func TestGuardSuppressesDirectiveWhenUtteranceLacksPhrase(t *testing.T) {
	g := NewGuard(newTestMatcher(), []string{"end_call"})
	st := State{ClosingPhraseDetected: true, LastAgentUtterance: "Ik activeer nu uw account."}
	v := g.Evaluate(st, endCallEvent(""))
	if v.Action != ActionSuppress || v.Reason != ReasonUtteranceMismatch {
		t.Fatalf("verdict = %+v, want suppress/%s", v, ReasonUtteranceMismatch)
	}
}

func TestGuardArmsOnConfirmedDirective(t *testing.T) {
	g := NewGuard(newTestMatcher(), []string{"end_call"})

	st := State{ClosingPhraseDetected: true, LastAgentUtterance: "Bedankt, nog een fijne dag."}
	if v := g.Evaluate(st, endCallEvent("")); v.Action != ActionArmTimer {
		t.Fatalf("tracked utterance: Action = %q, want %q", v.Action, ActionArmTimer)
	}

	st = State{ClosingPhraseDetected: true, LastAgentUtterance: "Heeft u nog vragen?"}
	if v := g.Evaluate(st, endCallEvent("Dan wens ik u nog een fijne dag.")); v.Action != ActionArmTimer {
		t.Fatalf("current utterance: Action = %q, want %q", v.Action, ActionArmTimer)
	}
}

func TestGuardConversationEnd(t *testing.T) {
	g := NewGuard(newTestMatcher(), nil)
	ev := protocol.AgentEvent{Kind: protocol.AgentConversationEnd}

	v := g.Evaluate(State{}, ev)
	if v.Action != ActionSuppress || v.Source != SourceConversationEnd {
		t.Fatalf("before phrase: verdict = %+v, want suppress", v)
	}
	v = g.Evaluate(State{ClosingPhraseDetected: true}, ev)
	if v.Action != ActionArmTimer {
		t.Fatalf("after phrase: Action = %q, want %q", v.Action, ActionArmTimer)
	}
}

func TestGuardIgnoresOrdinaryMessages(t *testing.T) {
	g := NewGuard(newTestMatcher(), []string{"end_call"})
	ev := protocol.AgentEvent{
		Kind:      protocol.AgentToolCall,
		ToolCalls: []protocol.ToolCall{{Name: "activate_account"}},
	}
	if v := g.Evaluate(State{ClosingPhraseDetected: true}, ev); v.Action != ActionNone {
		t.Fatalf("Action = %q, want %q", v.Action, ActionNone)
	}
}

func TestGuardNeverArmsBeforeClosingPhrase(t *testing.T) {
	g := NewGuard(newTestMatcher(), []string{"end_call"})
	events := []protocol.AgentEvent{
		endCallEvent("Bedankt, nog een fijne dag."),
		{Kind: protocol.AgentConversationEnd, Text: "nog een fijne dag"},
		{Kind: protocol.AgentToolCall, ToolCalls: []protocol.ToolCall{{Name: "END_CALL"}}},
	}
	for _, ev := range events {
		v := g.Evaluate(State{LastAgentUtterance: "Bedankt, nog een fijne dag."}, ev)
		if v.Action == ActionArmTimer {
			t.Fatalf("Evaluate(%+v) armed a timer before closingPhraseDetected", ev)
		}
	}
}
