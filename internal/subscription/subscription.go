// Package subscription turns named bus events into pull-based sequences.
//
// A Subscription registers one listener on the bus when it is opened and
// hands signals to its consumer one Next call at a time. There is no queue:
// a signal that arrives while no Next is outstanding is dropped, and the
// consumer is expected to re-read whatever state it cares about when the
// next value does arrive. The optional initial value exists for the same
// reason; it tells a fresh consumer to read current state immediately.
//
// Lifecycle:
//
//	AwaitingInitial --Next--> Live --Cancel--> Cancelled
//	        \________________Cancel_______________/
//
// AwaitingInitial is skipped when the subscription is opened without an
// initial value.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"launchpad/internal/domain"
	"launchpad/internal/metrics"

	"github.com/google/uuid"
)

// ErrConcurrentPull is returned by Next when another Next on the same
// subscription has not returned yet. A subscription has exactly one consumer.
var ErrConcurrentPull = errors.New("subscription: concurrent pull on a single-consumer subscription")

// State is the position of a Subscription in its lifecycle.
type State int

const (
	StateAwaitingInitial State = iota
	StateLive
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateAwaitingInitial:
		return "awaiting_initial"
	case StateLive:
		return "live"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Value is one item of the sequence. Initial values carry no arguments.
type Value struct {
	Event   string
	Args    []any
	Initial bool
}

// Result is what a pull produces: either a Value or Done.
type Result struct {
	Value Value
	Done  bool
}

// Subscription bridges one bus event to one pulling consumer.
type Subscription struct {
	id          string
	event       string
	sendInitial bool
	bus         domain.Notifier
	listener    domain.ListenerID
	logger      *slog.Logger
	onCancel    func(*Subscription)

	mu          sync.Mutex
	sentInitial bool
	waiter      chan []any
	cancelled   bool
	done        chan struct{}
}

// Option configures a Subscription at Open time.
type Option func(*Subscription)

func WithLogger(l *slog.Logger) Option {
	return func(s *Subscription) { s.logger = l }
}

// WithID overrides the generated subscription ID.
func WithID(id string) Option {
	return func(s *Subscription) { s.id = id }
}

// withOnCancel runs fn once, after the subscription has left the bus.
func withOnCancel(fn func(*Subscription)) Option {
	return func(s *Subscription) { s.onCancel = fn }
}

// Open registers a listener for event on n and returns the subscription.
// Every signal raised after Open returns and before Cancel is eligible for
// delivery. When sendInitial is set the first Next returns immediately with
// an initial value.
func Open(n domain.Notifier, event string, sendInitial bool, opts ...Option) *Subscription {
	s := &Subscription{
		id:          uuid.NewString(),
		event:       event,
		sendInitial: sendInitial,
		bus:         n,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.listener = n.On(event, s.deliver)
	metrics.SubscriptionsActive.Inc()
	s.logger.Debug("subscription opened", "id", s.id, "event", event, "initial", sendInitial)
	return s
}

func (s *Subscription) ID() string    { return s.id }
func (s *Subscription) Event() string { return s.event }

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.cancelled:
		return StateCancelled
	case s.sendInitial && !s.sentInitial:
		return StateAwaitingInitial
	default:
		return StateLive
	}
}

// deliver is the bus listener. It resolves the outstanding pull, if any.
// The send happens under mu so that a pull abandoned via its context either
// finds the value in its channel or is guaranteed never to receive one.
func (s *Subscription) deliver(args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	if s.waiter == nil {
		metrics.SignalsDropped.WithLabelValues(metrics.EventLabel(s.event)).Inc()
		return
	}
	s.waiter <- slices.Clone(args)
	s.waiter = nil
}

// Next returns the next value. It blocks until the bound event is signalled,
// ctx is done, or the subscription is cancelled. After cancellation it
// returns a Done result. Calling Next while another Next is blocked returns
// ErrConcurrentPull.
func (s *Subscription) Next(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return Result{Done: true}, nil
	}
	if s.sendInitial && !s.sentInitial {
		s.sentInitial = true
		s.mu.Unlock()
		metrics.SubscriptionValues.WithLabelValues(metrics.EventLabel(s.event), "initial").Inc()
		return Result{Value: Value{Event: s.event, Args: []any{}, Initial: true}}, nil
	}
	if s.waiter != nil {
		s.mu.Unlock()
		return Result{}, ErrConcurrentPull
	}
	w := make(chan []any, 1)
	s.waiter = w
	s.mu.Unlock()

	select {
	case args := <-w:
		return s.value(args), nil
	case <-s.done:
		return Result{Done: true}, nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.waiter == w {
			s.waiter = nil
		}
		s.mu.Unlock()
		select {
		case args := <-w:
			return s.value(args), nil
		default:
		}
		return Result{}, ctx.Err()
	}
}

func (s *Subscription) value(args []any) Result {
	metrics.SubscriptionValues.WithLabelValues(metrics.EventLabel(s.event), "signal").Inc()
	return Result{Value: Value{Event: s.event, Args: args}}
}

// Cancel detaches the subscription from the bus. It is safe to call more
// than once.
//
// A Next blocked at the time of the call is released with a Done result
// instead of being left parked; callers that never pull concurrently with
// Cancel see no difference.
func (s *Subscription) Cancel() Result {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return Result{Done: true}
	}
	s.cancelled = true
	s.waiter = nil
	close(s.done)
	s.mu.Unlock()

	s.bus.Off(s.event, s.listener)
	metrics.SubscriptionsActive.Dec()
	s.logger.Debug("subscription cancelled", "id", s.id, "event", s.event)
	if s.onCancel != nil {
		s.onCancel(s)
	}
	return Result{Done: true}
}
