package subscription

import (
	"log/slog"
	"sync"

	"launchpad/internal/domain"
)

// Manager opens subscriptions on a shared bus and keeps track of the ones
// that are still live, so a server can report them and cancel them all on
// shutdown.
type Manager struct {
	bus    domain.Notifier
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewManager(n domain.Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:    n,
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

// Open opens a tracked subscription. It is forgotten again once cancelled.
func (m *Manager) Open(event string, sendInitial bool, opts ...Option) *Subscription {
	opts = append([]Option{WithLogger(m.logger)}, opts...)
	opts = append(opts, withOnCancel(m.forget))

	m.mu.Lock()
	defer m.mu.Unlock()
	s := Open(m.bus, event, sendInitial, opts...)
	m.subs[s.ID()] = s
	return s
}

func (m *Manager) forget(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[s.ID()] == s {
		delete(m.subs, s.ID())
	}
}

// Get returns the live subscription with the given ID.
func (m *Manager) Get(id string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	return s, ok
}

// Active returns the number of live subscriptions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// CountByEvent returns live subscriptions grouped by event name.
func (m *Manager) CountByEvent() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, s := range m.subs {
		counts[s.Event()]++
	}
	return counts
}

// CancelAll cancels every live subscription.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	if len(subs) > 0 {
		m.logger.Info("cancelled subscriptions", "count", len(subs))
	}
}
