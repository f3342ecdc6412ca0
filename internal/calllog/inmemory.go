package calllog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps call logs in process for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	turns    map[string][]Turn
	outcomes map[string]Outcome
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns:    make(map[string][]Turn),
		outcomes: make(map[string]Outcome),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns[turn.CallID] = append(s.turns[turn.CallID], turn)
	return nil
}

func (s *InMemoryStore) SaveOutcome(_ context.Context, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if outcome.EndedAt.IsZero() {
		outcome.EndedAt = time.Now().UTC()
	}
	s.outcomes[outcome.CallID] = outcome
	return nil
}

// Turns returns the stored turns of a call in insertion order.
func (s *InMemoryStore) Turns(callID string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[callID]
	out := make([]Turn, len(arr))
	copy(out, arr)
	return out
}

func (s *InMemoryStore) Outcome(callID string) (Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[callID]
	return o, ok
}

func (s *InMemoryStore) Close() error { return nil }
