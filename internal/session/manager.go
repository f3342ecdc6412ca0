package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("call not found")
	ErrCallEnded  = errors.New("call already ended")
	ErrNotRunning = errors.New("call manager is shut down")
)

type endedCall struct {
	info    Info
	endedAt time.Time
}

// Manager tracks live calls and keeps ended ones around for inspection.
type Manager struct {
	mu        sync.RWMutex
	calls     map[string]*Call
	ended     map[string]endedCall
	retention time.Duration
	settings  Settings
	deps      Deps
	onEnd     func(Info)
	closed    bool
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(settings Settings, deps Deps, retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		calls:     make(map[string]*Call),
		ended:     make(map[string]endedCall),
		retention: retention,
		settings:  settings,
		deps:      deps,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// SetEndHook registers a callback run after every call has ended.
func (m *Manager) SetEndHook(hook func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = hook
}

// Start creates a call for a freshly accepted telephony leg and runs its loop.
func (m *Manager) Start(leg TelephonyLeg) (*Call, error) {
	c := NewCall(uuid.NewString(), leg, m.settings, m.deps)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrNotRunning
	}
	m.calls[c.ID()] = c
	m.wg.Add(1)
	active := len(m.calls)
	m.mu.Unlock()

	m.deps.Metrics.SetActiveCalls(active)
	m.deps.Metrics.CallEvent("started")

	go func() {
		defer m.wg.Done()
		c.Run(m.baseCtx)
		m.retire(c)
	}()
	return c, nil
}

func (m *Manager) retire(c *Call) {
	info := c.Info()
	ended := time.Now().UTC()
	if info.EndedAt != nil {
		ended = *info.EndedAt
	}

	m.mu.Lock()
	delete(m.calls, c.ID())
	m.ended[c.ID()] = endedCall{info: info, endedAt: ended}
	active := len(m.calls)
	hook := m.onEnd
	m.mu.Unlock()

	m.deps.Metrics.SetActiveCalls(active)
	if hook != nil {
		hook(info)
	}
}

func (m *Manager) Get(callID string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.calls[callID]; ok {
		return c.Info(), nil
	}
	if e, ok := m.ended[callID]; ok {
		return e.info, nil
	}
	return Info{}, ErrNotFound
}

// List returns live calls first, each group ordered by creation time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	live := make([]Info, 0, len(m.calls))
	for _, c := range m.calls {
		live = append(live, c.Info())
	}
	done := make([]Info, 0, len(m.ended))
	for _, e := range m.ended {
		done = append(done, e.info)
	}
	m.mu.RUnlock()

	byCreated := func(items []Info) {
		sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	}
	byCreated(live)
	byCreated(done)
	return append(live, done...)
}

// Hangup asks a live call to end immediately.
func (m *Manager) Hangup(callID string, reason EndReason) error {
	m.mu.RLock()
	c, ok := m.calls[callID]
	_, ended := m.ended[callID]
	m.mu.RUnlock()
	if !ok {
		if ended {
			return ErrCallEnded
		}
		return ErrNotFound
	}
	if !c.Hangup(reason) {
		return ErrCallEnded
	}
	return nil
}

// HangupAll asks every live call to end and returns how many were asked.
func (m *Manager) HangupAll(reason EndReason) int {
	m.mu.RLock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.RUnlock()

	n := 0
	for _, c := range calls {
		if c.Hangup(reason) {
			n++
		}
	}
	return n
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Shutdown stops accepting calls, ends the live ones and waits for their
// loops to exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.HangupAll(ReasonShutdown)
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

// RunJanitor prunes ended calls past the retention period until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.pruneEnded(time.Now().UTC())
		}
	}
}

func (m *Manager) pruneEnded(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, e := range m.ended {
		if now.Sub(e.endedAt) >= m.retention {
			delete(m.ended, id)
			pruned++
		}
	}
	return pruned
}
