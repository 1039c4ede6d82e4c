package channel

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"launchpad/internal/domain"
	"launchpad/internal/metrics"
)

const (
	defaultQueueSize      = 64
	defaultForwardTimeout = 10 * time.Second
)

// FanoutConfig configures a Fanout.
type FanoutConfig struct {
	Bus            domain.Notifier
	QueueSize      int           // per-output queue (default: 64)
	ForwardTimeout time.Duration // per Forward call (default: 10s)
	Logger         *slog.Logger
}

// Fanout binds outputs to bus events. Every binding is an ordinary bus
// listener that enqueues the notification; a worker per output calls
// Forward so a slow output never blocks Signal. A full queue drops the
// notification.
type Fanout struct {
	bus     domain.Notifier
	logger  *slog.Logger
	qsize   int
	timeout time.Duration

	mu      sync.Mutex
	outputs map[string]*attached
}

type attached struct {
	out       domain.Output
	queue     chan domain.Notification
	listeners []binding
	done      chan struct{}

	// guards queue against sends after Detach closed it
	qmu    sync.RWMutex
	closed bool
}

type binding struct {
	event string
	id    domain.ListenerID
}

func NewFanout(cfg FanoutConfig) *Fanout {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = defaultForwardTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fanout{
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		qsize:   cfg.QueueSize,
		timeout: cfg.ForwardTimeout,
		outputs: make(map[string]*attached),
	}
}

// Attach forwards the given events to out, tagging each notification with
// channel. Attaching the same output again adds bindings to its existing
// worker.
func (f *Fanout) Attach(out domain.Output, channel string, events ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.outputs[out.Name()]
	if !ok {
		a = &attached{
			out:   out,
			queue: make(chan domain.Notification, f.qsize),
			done:  make(chan struct{}),
		}
		f.outputs[out.Name()] = a
		go f.run(a)
	}

	for _, event := range events {
		id := f.bus.On(event, f.enqueue(a, event, channel))
		a.listeners = append(a.listeners, binding{event: event, id: id})
	}

	f.logger.Info("output attached", "output", out.Name(), "channel", channel, "events", events)
}

func (f *Fanout) enqueue(a *attached, event, channel string) domain.Listener {
	name := a.out.Name()
	return func(args ...any) {
		n := domain.Notification{
			Event:     event,
			Channel:   channel,
			Args:      slices.Clone(args),
			Timestamp: time.Now(),
		}
		a.qmu.RLock()
		defer a.qmu.RUnlock()
		if a.closed {
			return
		}
		select {
		case a.queue <- n:
		default:
			metrics.OutputForwards.WithLabelValues(name, "dropped").Inc()
			f.logger.Warn("output queue full, notification dropped", "output", name, "event", event)
		}
	}
}

func (f *Fanout) run(a *attached) {
	defer close(a.done)
	name := a.out.Name()
	for n := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		start := time.Now()
		err := a.out.Forward(ctx, n)
		cancel()
		metrics.ForwardLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.OutputForwards.WithLabelValues(name, "error").Inc()
			f.logger.Warn("output forward failed", "output", name, "event", n.Event, "err", err)
			continue
		}
		metrics.OutputForwards.WithLabelValues(name, "ok").Inc()
	}
}

// Detach removes every binding of the named output and waits for its worker
// to drain the queue.
func (f *Fanout) Detach(name string) {
	f.mu.Lock()
	a, ok := f.outputs[name]
	delete(f.outputs, name)
	f.mu.Unlock()
	if !ok {
		return
	}

	for _, b := range a.listeners {
		f.bus.Off(b.event, b.id)
	}
	a.qmu.Lock()
	a.closed = true
	close(a.queue)
	a.qmu.Unlock()
	<-a.done
	f.logger.Info("output detached", "output", name)
}

// DetachAll detaches every output.
func (f *Fanout) DetachAll() {
	for _, name := range f.Outputs() {
		f.Detach(name)
	}
}

// Outputs returns the names of attached outputs, sorted.
func (f *Fanout) Outputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.outputs))
	for name := range f.outputs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
