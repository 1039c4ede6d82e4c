package bus

import (
	"log/slog"
	"sort"
	"sync"

	"launchpad/internal/domain"
	"launchpad/internal/metrics"
)

// Wildcard registers a listener for every event. Wildcard listeners run
// after the listeners registered on the specific event.
const Wildcard = "*"

// Bus is a named-event notification bus. Signal delivers synchronously to
// the listeners registered at the time of the call, in registration order.
// Nothing is buffered: a signal with no listeners is dropped.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]registration
	nextID    domain.ListenerID
	logger    *slog.Logger
}

type registration struct {
	id domain.ListenerID
	fn domain.Listener
}

var _ domain.Notifier = (*Bus)(nil)

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		listeners: make(map[string][]registration),
		logger:    logger,
	}
}

// On registers fn for event and returns the handle needed to remove it.
func (b *Bus) On(event string, fn domain.Listener) domain.ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[event] = append(b.listeners[event], registration{id: id, fn: fn})
	return id
}

// Off removes the registration id from event. Unknown IDs are ignored.
func (b *Bus) Off(event string, id domain.ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.listeners[event]
	for i, r := range regs {
		if r.id != id {
			continue
		}
		regs = append(regs[:i], regs[i+1:]...)
		if len(regs) == 0 {
			delete(b.listeners, event)
		} else {
			b.listeners[event] = regs
		}
		return
	}
}

// Signal invokes every listener on event with args. A panicking listener is
// recovered and logged; the remaining listeners still run.
func (b *Bus) Signal(event string, args ...any) {
	metrics.SignalsTotal.WithLabelValues(metrics.EventLabel(event)).Inc()

	b.mu.RLock()
	snapshot := make([]registration, 0, len(b.listeners[event])+len(b.listeners[Wildcard]))
	snapshot = append(snapshot, b.listeners[event]...)
	if event != Wildcard {
		snapshot = append(snapshot, b.listeners[Wildcard]...)
	}
	b.mu.RUnlock()

	for _, r := range snapshot {
		b.invoke(event, r, args)
	}
}

func (b *Bus) invoke(event string, r registration, args []any) {
	defer func() {
		if p := recover(); p != nil {
			metrics.ListenerPanics.WithLabelValues(metrics.EventLabel(event)).Inc()
			b.logger.Error("bus listener panic", "event", event, "listener", r.id, "panic", p)
		}
	}()
	r.fn(args...)
}

// ListenerCount returns the number of registrations on event. Wildcard
// registrations are only counted for Wildcard itself.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// Names returns the events that currently have listeners, sorted.
func (b *Bus) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveAll drops every registration. Used at process shutdown.
func (b *Bus) RemoveAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[string][]registration)
}
