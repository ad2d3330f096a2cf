// Package metrics holds the prometheus collectors of the messaging core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dateper"

// Unlock outcomes
const (
	UnlockCharged      = "charged"
	UnlockAlreadyOpen  = "already_open"
	UnlockInsufficient = "insufficient_funds"
	UnlockFailed       = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	Connections    prometheus.Gauge
	MessagesSent   prometheus.Counter
	EventsDropped  prometheus.Counter
	Unlocks        *prometheus.CounterVec
	Notifications  prometheus.Counter
	PushDelivered  prometheus.Counter
	PushFailures   prometheus.Counter
	PresenceWrites *prometheus.CounterVec
}

// New creates the collectors and registers them on a dedicated registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Number of authenticated websocket connections.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Number of persisted chat messages.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Number of outbound events dropped because a connection could not accept them.",
		}),
		Unlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_unlocks_total",
			Help:      "Number of chat unlock attempts by outcome.",
		}, []string{"outcome"}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_created_total",
			Help:      "Number of persisted notifications.",
		}),
		PushDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_delivered_total",
			Help:      "Number of push notifications handed to the push service.",
		}),
		PushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_failures_total",
			Help:      "Number of push notifications that could not be delivered or queued.",
		}),
		PresenceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_writes_total",
			Help:      "Number of best-effort presence writes by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		m.Connections,
		m.MessagesSent,
		m.EventsDropped,
		m.Unlocks,
		m.Notifications,
		m.PushDelivered,
		m.PushFailures,
		m.PresenceWrites,
	)

	return m
}

// Handler exposes the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
