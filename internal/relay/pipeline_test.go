package relay

import (
	"errors"
	"fmt"
	"testing"

	"github.com/antoniostano/callbridge/internal/protocol"
)

type recordingAgent struct {
	frames []string
	failAt int
}

func (a *recordingAgent) SendUserAudio(payload string) error {
	if a.failAt > 0 && len(a.frames)+1 == a.failAt {
		return errors.New("socket closed")
	}
	a.frames = append(a.frames, payload)
	return nil
}

type recordingPhone struct {
	frames []any
}

func (p *recordingPhone) Send(msg any) error {
	p.frames = append(p.frames, msg)
	return nil
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	q := NewQueue(50)
	for i := 1; i <= 50; i++ {
		if q.Push(fmt.Sprintf("f%d", i)) {
			t.Fatalf("Push(f%d) evicted before the queue was full", i)
		}
	}
	if !q.Push("f51") {
		t.Fatalf("Push(f51) evicted = false, want true")
	}
	if q.Len() != 50 {
		t.Fatalf("Len() = %d, want 50", q.Len())
	}
	frames := q.Drain()
	if frames[0] != "f2" || frames[49] != "f51" {
		t.Fatalf("frames[0], frames[49] = %q, %q; want f2, f51", frames[0], frames[49])
	}
	if q.Len() != 0 {
		t.Fatalf("Len() after Drain = %d, want 0", q.Len())
	}
}

func TestQueueResetReportsDropped(t *testing.T) {
	q := NewQueue(3)
	q.Push("a")
	q.Push("b")
	if n := q.Reset(); n != 2 {
		t.Fatalf("Reset() = %d, want 2", n)
	}
	q.Push("c")
	if got := q.Drain(); len(got) != 1 || got[0] != "c" {
		t.Fatalf("Drain() = %v, want [c]", got)
	}
}

func TestPipelineBuffersUntilAgentAttached(t *testing.T) {
	phone := &recordingPhone{}
	p := NewPipeline(phone, 50)

	for i := 1; i <= 51; i++ {
		res, err := p.Inbound(fmt.Sprintf("f%d", i))
		if err != nil {
			t.Fatalf("Inbound() error = %v", err)
		}
		want := InboundQueued
		if i == 51 {
			want = InboundQueuedEvicted
		}
		if res != want {
			t.Fatalf("Inbound(f%d) = %v, want %v", i, res, want)
		}
	}
	if p.Pending() != 50 {
		t.Fatalf("Pending() = %d, want 50", p.Pending())
	}

	agent := &recordingAgent{}
	flushed, err := p.AttachAgent(agent)
	if err != nil {
		t.Fatalf("AttachAgent() error = %v", err)
	}
	if flushed != 50 || agent.frames[0] != "f2" || agent.frames[49] != "f51" {
		t.Fatalf("flushed = %d, first = %q, last = %q", flushed, agent.frames[0], agent.frames[49])
	}

	if res, _ := p.Inbound("f52"); res != InboundForwarded {
		t.Fatalf("Inbound after attach = %v, want forwarded", res)
	}
	if agent.frames[len(agent.frames)-1] != "f52" {
		t.Fatalf("last forwarded = %q, want f52", agent.frames[len(agent.frames)-1])
	}
}

func TestPipelineSealDropsEverything(t *testing.T) {
	phone := &recordingPhone{}
	p := NewPipeline(phone, 4)
	p.SetStream("MZ1")
	p.Inbound("a")
	p.Inbound("b")

	if dropped := p.Seal(); dropped != 2 {
		t.Fatalf("Seal() = %d, want 2", dropped)
	}
	if _, err := p.Inbound("c"); !errors.Is(err, ErrSealed) {
		t.Fatalf("Inbound after seal error = %v, want ErrSealed", err)
	}
	if err := p.Outbound("d"); !errors.Is(err, ErrSealed) {
		t.Fatalf("Outbound after seal error = %v, want ErrSealed", err)
	}
	if _, err := p.AttachAgent(&recordingAgent{}); !errors.Is(err, ErrSealed) {
		t.Fatalf("AttachAgent after seal error = %v, want ErrSealed", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(phone.frames) != 1 {
		t.Fatalf("phone frames = %d, want only the stop frame", len(phone.frames))
	}
	if _, ok := phone.frames[0].(protocol.OutboundStop); !ok {
		t.Fatalf("frame type = %T, want OutboundStop", phone.frames[0])
	}
}

func TestPipelineOutboundKeepsOrderAndStream(t *testing.T) {
	phone := &recordingPhone{}
	p := NewPipeline(phone, 4)
	p.SetStream("MZ7")
	for _, payload := range []string{"x1", "x2", "x3"} {
		if err := p.Outbound(payload); err != nil {
			t.Fatalf("Outbound() error = %v", err)
		}
	}
	for i, want := range []string{"x1", "x2", "x3"} {
		m, ok := phone.frames[i].(protocol.OutboundMedia)
		if !ok || m.Media.Payload != want || m.StreamSID != "MZ7" {
			t.Fatalf("frame %d = %#v, want payload %s on MZ7", i, phone.frames[i], want)
		}
	}
}

func TestAttachAgentStopsOnSendError(t *testing.T) {
	p := NewPipeline(&recordingPhone{}, 10)
	p.Inbound("a")
	p.Inbound("b")
	p.Inbound("c")
	agent := &recordingAgent{failAt: 2}
	flushed, err := p.AttachAgent(agent)
	if err == nil || flushed != 1 {
		t.Fatalf("AttachAgent() = %d, %v; want 1 and an error", flushed, err)
	}
	if p.AgentReady() {
		t.Fatalf("AgentReady() = true after failed flush")
	}
}
