package httpapi

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/protocol"
)

const (
	legOutboundBuffer = 256
	legWriteTimeout   = 10 * time.Second
)

var (
	errLegClosed    = errors.New("telephony leg closed")
	errLegSaturated = errors.New("telephony outbound queue full")
)

// wsLeg is the telephony side of a call. Only writeLoop writes to the socket.
type wsLeg struct {
	conn      *websocket.Conn
	metrics   *observability.Metrics
	outbound  chan any
	done      chan struct{}
	closeOnce sync.Once
}

func newWSLeg(conn *websocket.Conn, metrics *observability.Metrics) *wsLeg {
	return &wsLeg{
		conn:     conn,
		metrics:  metrics,
		outbound: make(chan any, legOutboundBuffer),
		done:     make(chan struct{}),
	}
}

// Send queues a frame for the phone. It never blocks the call loop.
func (l *wsLeg) Send(msg any) error {
	select {
	case <-l.done:
		return errLegClosed
	default:
	}
	select {
	case l.outbound <- msg:
		return nil
	default:
		l.metrics.WSMessage("telephony", "out", "drop_full")
		return errLegSaturated
	}
}

// Close stops accepting frames; writeLoop flushes what is queued and closes the socket.
func (l *wsLeg) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *wsLeg) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer l.conn.Close()

	for {
		select {
		case msg := <-l.outbound:
			if err := l.write(msg); err != nil {
				_ = l.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(legWriteTimeout)
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = l.Close()
				return
			}
		case <-l.done:
			l.flush()
			deadline := time.Now().Add(time.Second)
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (l *wsLeg) flush() {
	for {
		select {
		case msg := <-l.outbound:
			if err := l.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (l *wsLeg) write(msg any) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(legWriteTimeout))
	if err := l.conn.WriteJSON(msg); err != nil {
		l.metrics.WSMessage("telephony", "out", "write_error")
		return err
	}
	if t, ok := protocol.TelephonyEventOf(msg); ok {
		l.metrics.WSMessage("telephony", "out", string(t))
	}
	return nil
}
