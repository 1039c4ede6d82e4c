// Package metrics exposes Prometheus collectors for the notification bus,
// subscriptions, and output channels.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var startTime = time.Now()

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// Handler renders all registered collectors in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// OtherEvent is the label for events that were never registered with
// TrackEvents.
const OtherEvent = "other"

var (
	eventsMu      sync.RWMutex
	trackedEvents = make(map[string]struct{})
)

// TrackEvents registers event names that get their own label value.
func TrackEvents(names ...string) {
	eventsMu.Lock()
	defer eventsMu.Unlock()
	for _, n := range names {
		trackedEvents[n] = struct{}{}
	}
}

// EventLabel maps an event name to its label value. Names come from remote
// clients, so anything not tracked collapses into OtherEvent.
func EventLabel(name string) string {
	eventsMu.RLock()
	defer eventsMu.RUnlock()
	if _, ok := trackedEvents[name]; ok {
		return name
	}
	return OtherEvent
}

// --- Pre-defined metrics used across the application ---
//
// Event labels always go through EventLabel. Subscription and connection IDs
// are never labels.

var (
	_ = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "launchpad_uptime_seconds",
		Help: "Time since start in seconds.",
	}, func() float64 { return Uptime().Seconds() })

	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_signals_total",
		Help: "Total signals raised on the notification bus, by event.",
	}, []string{"event"})

	ListenerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_listener_panics_total",
		Help: "Bus listeners that panicked while handling a signal, by event.",
	}, []string{"event"})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "launchpad_subscriptions_active",
		Help: "Subscriptions opened and not yet cancelled.",
	})

	// SubscriptionValues counts values handed to consumers; kind is
	// "initial" or "signal".
	SubscriptionValues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_subscription_values_total",
		Help: "Values delivered to subscription consumers, by event and kind.",
	}, []string{"event", "kind"})

	SignalsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_signals_dropped_total",
		Help: "Signals that reached a subscription with no pull outstanding, by event.",
	}, []string{"event"})

	OutputForwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_output_forwards_total",
		Help: "Notifications forwarded to output channels, by output and result.",
	}, []string{"output", "result"})

	LiveQueryConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "launchpad_livequery_connections",
		Help: "Current live-query websocket connections.",
	})

	ForwardLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "launchpad_output_forward_seconds",
		Help:    "Time spent forwarding one notification to an output channel.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"output"})
)
