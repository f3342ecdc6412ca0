package calllog

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/antoniostano/callbridge/internal/policy"
	"github.com/antoniostano/callbridge/internal/reliability"
)

const (
	defaultWriterBuffer = 256
	writeAttempts       = 3
	writeTimeout        = 5 * time.Second
)

// Writer persists call logs off the call's hot path. Records are redacted,
// queued and written by a single background goroutine with retries. When the
// queue is full new records are dropped.
type Writer struct {
	store   Store
	queue   chan func(context.Context) error
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	base    time.Duration
	maxWait time.Duration
	dropped func()
}

func NewWriter(store Store, buffer int) *Writer {
	if buffer <= 0 {
		buffer = defaultWriterBuffer
	}
	w := &Writer{
		store:   store,
		queue:   make(chan func(context.Context) error, buffer),
		done:    make(chan struct{}),
		base:    200 * time.Millisecond,
		maxWait: 2 * time.Second,
	}
	go w.loop()
	return w
}

// OnDrop registers a callback invoked whenever a record is discarded.
func (w *Writer) OnDrop(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropped = fn
}

func (w *Writer) RecordTurn(turn Turn) {
	if turn.Content == "" {
		return
	}
	turn.Content, turn.PIIRedacted = policy.RedactPII(turn.Content)
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	w.enqueue(func(ctx context.Context) error {
		return w.store.SaveTurn(ctx, turn)
	})
}

func (w *Writer) RecordOutcome(outcome Outcome) {
	w.enqueue(func(ctx context.Context) error {
		return w.store.SaveOutcome(ctx, outcome)
	})
}

func (w *Writer) enqueue(job func(context.Context) error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- job:
	default:
		log.Printf("calllog: write queue full, dropping record")
		if w.dropped != nil {
			w.dropped()
		}
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for job := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := reliability.Retry(ctx, writeAttempts, w.base, w.maxWait, job)
		cancel()
		if err != nil {
			log.Printf("calllog: write failed after %d attempts: %v", writeAttempts, err)
			w.mu.RLock()
			if w.dropped != nil {
				w.dropped()
			}
			w.mu.RUnlock()
		}
	}
}

// Close stops accepting records, flushes the queue and closes the store.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
	return w.store.Close()
}
