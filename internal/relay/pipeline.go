// Package relay moves opaque audio frames between the telephony leg and the
// agent leg, in arrival order, buffering inbound audio while the agent is not
// ready yet.
package relay

import (
	"errors"

	"github.com/antoniostano/callbridge/internal/protocol"
)

var ErrSealed = errors.New("relay sealed")

// AgentSink accepts caller audio for the conversational agent.
type AgentSink interface {
	SendUserAudio(payload string) error
}

// TelephonySink accepts JSON frames for the phone side.
type TelephonySink interface {
	Send(msg any) error
}

type InboundResult int

const (
	InboundForwarded InboundResult = iota
	InboundQueued
	InboundQueuedEvicted
	InboundDropped
)

// Pipeline is owned by one call and is not safe for concurrent use.
type Pipeline struct {
	streamSID string
	telephony TelephonySink
	agent     AgentSink
	pending   *Queue
	sealed    bool
}

func NewPipeline(telephony TelephonySink, pendingLimit int) *Pipeline {
	return &Pipeline{telephony: telephony, pending: NewQueue(pendingLimit)}
}

func (p *Pipeline) SetStream(streamSID string) { p.streamSID = streamSID }

func (p *Pipeline) StreamSID() string { return p.streamSID }

func (p *Pipeline) AgentReady() bool { return p.agent != nil && !p.sealed }

func (p *Pipeline) Pending() int { return p.pending.Len() }

func (p *Pipeline) Sealed() bool { return p.sealed }

// Inbound forwards caller audio to the agent, or queues it while the agent leg is not ready.
func (p *Pipeline) Inbound(payload string) (InboundResult, error) {
	if p.sealed {
		return InboundDropped, ErrSealed
	}
	if p.agent == nil {
		if p.pending.Push(payload) {
			return InboundQueuedEvicted, nil
		}
		return InboundQueued, nil
	}
	if err := p.agent.SendUserAudio(payload); err != nil {
		return InboundDropped, err
	}
	return InboundForwarded, nil
}

// AttachAgent flushes queued audio in order and switches to direct forwarding.
func (p *Pipeline) AttachAgent(agent AgentSink) (int, error) {
	if p.sealed {
		return 0, ErrSealed
	}
	flushed := 0
	for _, payload := range p.pending.Drain() {
		if err := agent.SendUserAudio(payload); err != nil {
			return flushed, err
		}
		flushed++
	}
	p.agent = agent
	return flushed, nil
}

// DetachAgent returns the pipeline to buffering mode.
func (p *Pipeline) DetachAgent() { p.agent = nil }

// Outbound relays agent audio to the phone.
func (p *Pipeline) Outbound(payload string) error {
	if p.sealed {
		return ErrSealed
	}
	return p.telephony.Send(protocol.NewOutboundMedia(p.streamSID, payload))
}

// Clear asks the phone side to drop agent audio it has buffered but not played.
func (p *Pipeline) Clear() error {
	if p.sealed {
		return ErrSealed
	}
	return p.telephony.Send(protocol.NewOutboundClear(p.streamSID))
}

// Seal stops all further audio in both directions and discards the backlog.
func (p *Pipeline) Seal() int {
	p.sealed = true
	p.agent = nil
	return p.pending.Reset()
}

// Stop tells the phone side the stream is over. It is a control frame and is
// sent even after Seal.
func (p *Pipeline) Stop() error {
	if p.streamSID == "" {
		return nil
	}
	return p.telephony.Send(protocol.NewOutboundStop(p.streamSID))
}
