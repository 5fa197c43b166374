package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/directory"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/signal"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/util"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store     signal.Store
	SelfID    string
	Directory *directory.Directory
	Factory   SessionFactory

	// Retry bounds terminal-field writes across all sessions.
	Retry util.RetryPolicy

	// FreshWindow and AcceptWindow tune the incoming-call watcher.
	FreshWindow  time.Duration
	AcceptWindow time.Duration
}

// Manager owns the active call sessions and the incoming-call watcher, and
// is the single surface the UI layer talks to.
type Manager struct {
	opts    ManagerOptions
	watcher *Watcher

	mu    sync.RWMutex
	calls map[string]*Call

	incomingMu sync.RWMutex
	incoming   []func(Notification)
	withdrawn  []func(string, WithdrawReason)
	statusSubs []func(string, Status)

	closeOnce sync.Once
}

// NewManager wires the watcher but does not start it; call Start.
func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		opts:  opts,
		calls: make(map[string]*Call),
	}
	m.watcher = NewWatcher(WatcherOptions{
		Store:        opts.Store,
		SelfID:       opts.SelfID,
		Directory:    opts.Directory,
		FreshWindow:  opts.FreshWindow,
		AcceptWindow: opts.AcceptWindow,
		Retry:        opts.Retry,
		OnIncoming:   m.dispatchIncoming,
		OnWithdraw:   m.dispatchWithdraw,
	})
	return m
}

// Start attaches the incoming-call watcher to the store.
func (m *Manager) Start() error {
	return m.watcher.Start()
}

// OnIncoming registers a handler fired for each surfaced incoming call.
func (m *Manager) OnIncoming(fn func(Notification)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// OnWithdraw registers a handler fired when a surfaced call goes away
// without a local accept or reject.
func (m *Manager) OnWithdraw(fn func(callID string, reason WithdrawReason)) {
	m.incomingMu.Lock()
	m.withdrawn = append(m.withdrawn, fn)
	m.incomingMu.Unlock()
}

// OnStatus registers an observer for every session's phase transitions.
func (m *Manager) OnStatus(fn func(callID string, s Status)) {
	m.incomingMu.Lock()
	m.statusSubs = append(m.statusSubs, fn)
	m.incomingMu.Unlock()
}

func (m *Manager) dispatchIncoming(n Notification) {
	m.incomingMu.RLock()
	handlers := make([]func(Notification), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(n)
	}
}

func (m *Manager) dispatchWithdraw(callID string, reason WithdrawReason) {
	m.incomingMu.RLock()
	handlers := make([]func(string, WithdrawReason), len(m.withdrawn))
	copy(handlers, m.withdrawn)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(callID, reason)
	}
}

func (m *Manager) dispatchStatus(callID string, s Status) {
	m.incomingMu.RLock()
	handlers := make([]func(string, Status), len(m.statusSubs))
	copy(handlers, m.statusSubs)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(callID, s)
	}

	if s.Terminal() {
		m.mu.Lock()
		delete(m.calls, callID)
		m.mu.Unlock()
	}
}

func (m *Manager) sessionOptions() Options {
	return Options{
		Store:    m.opts.Store,
		SelfID:   m.opts.SelfID,
		Factory:  m.opts.Factory,
		Retry:    m.opts.Retry,
		OnStatus: m.dispatchStatus,
	}
}

// StartCall places an outbound call to calleeID.
func (m *Manager) StartCall(ctx context.Context, calleeID string, t Type) (*Call, error) {
	c, err := StartCall(ctx, m.sessionOptions(), calleeID, t)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.calls[c.ID()]; exists {
		m.mu.Unlock()
		c.End(ctx)
		return nil, fmt.Errorf("%w: %s", ErrCallActive, c.ID())
	}
	m.calls[c.ID()] = c
	m.mu.Unlock()
	return c, nil
}

// AcceptCall answers the currently ringing incoming call.
func (m *Manager) AcceptCall(ctx context.Context, callID string) (*Call, error) {
	m.mu.RLock()
	_, exists := m.calls[callID]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrCallActive, callID)
	}

	rec, err := m.watcher.Accept(callID)
	if err != nil {
		return nil, err
	}

	c, err := AcceptCall(ctx, m.sessionOptions(), rec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls[callID] = c
	m.mu.Unlock()
	return c, nil
}

// RejectCall declines the currently ringing incoming call.
func (m *Manager) RejectCall(ctx context.Context, callID string) error {
	return m.watcher.Reject(ctx, callID)
}

// EndCall hangs up an active session.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	m.mu.RLock()
	c, ok := m.calls[callID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("call: no active session %s", callID)
	}
	c.End(ctx)
	return nil
}

// Get returns the active session for callID, if any.
func (m *Manager) Get(callID string) (*Call, bool) {
	m.mu.RLock()
	c, ok := m.calls[callID]
	m.mu.RUnlock()
	return c, ok
}

// Active returns all live sessions.
func (m *Manager) Active() []*Call {
	m.mu.RLock()
	out := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c)
	}
	m.mu.RUnlock()
	return out
}

// Close stops the watcher and hangs up every active session.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.watcher.Stop()

		m.mu.Lock()
		calls := m.calls
		m.calls = make(map[string]*Call)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
		defer cancel()
		for _, c := range calls {
			c.End(ctx)
		}
	})
}
