package convai

import (
	"sync"
	"time"

	"github.com/antoniostano/callbridge/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 5 * time.Second
	maxMessageBytes = 1 << 20
)

// Conn is one live conversation socket. Writes are serialised; reads run in a
// dedicated goroutine that publishes normalised events until the socket ends.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	events    chan protocol.AgentEvent
	onMessage func(string)

	errMu   sync.Mutex
	readErr error
}

func newConn(ws *websocket.Conn, onMessage func(string)) *Conn {
	ws.SetReadLimit(maxMessageBytes)
	c := &Conn{
		ws:        ws,
		done:      make(chan struct{}),
		events:    make(chan protocol.AgentEvent, 256),
		onMessage: onMessage,
	}
	go c.readLoop()
	return c
}

// Events is closed once the socket stops delivering messages.
func (c *Conn) Events() <-chan protocol.AgentEvent { return c.events }

// Err returns the error that ended the read loop. Valid after Events is closed.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

func (c *Conn) SendInitiation(msg protocol.ConversationInitiation) error {
	return c.writeJSON(msg)
}

func (c *Conn) SendUserAudio(payload string) error {
	return c.writeJSON(protocol.UserAudioChunk{UserAudioChunk: payload})
}

func (c *Conn) SendPong(eventID int) error {
	return c.writeJSON(protocol.NewPong(eventID))
}

func (c *Conn) SendToolResult(msg protocol.ClientToolResult) error {
	return c.writeJSON(msg)
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *Conn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		retErr = c.ws.Close()
	})
	return retErr
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		ev, err := protocol.ParseAgentMessage(data)
		if err != nil {
			c.observe("malformed")
			continue
		}
		c.observe(ev.RawType)
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) observe(msgType string) {
	if c.onMessage == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	c.onMessage(msgType)
}
