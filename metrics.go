package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	mutations     *prometheus.CounterVec
	feedEvents    *prometheus.CounterVec
	subscriptions *prometheus.GaugeVec
	senderCache   *prometheus.CounterVec
}

// NewMetrics registers the engine's collectors with reg. Passing nil uses
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		mutations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_mutations_total",
				Help: "Optimistic mutations by operation and outcome",
			},
			[]string{"op", "result"},
		),
		feedEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_feed_events_total",
				Help: "Change-feed events by table, operation and outcome",
			},
			[]string{"table", "operation", "result"},
		),
		subscriptions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatsync_subscriptions_active",
				Help: "Active change-feed subscriptions by scope",
			},
			[]string{"scope"},
		),
		senderCache: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_sender_cache_total",
				Help: "Sender profile cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) mutation(op, result string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) feedEvent(table, operation, result string) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(table, operation, result).Inc()
}

func (m *Metrics) subscriptionOpened(kind ScopeKind) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) subscriptionClosed(kind ScopeKind) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(string(kind)).Dec()
}

func (m *Metrics) senderLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.senderCache.WithLabelValues("hit").Inc()
	} else {
		m.senderCache.WithLabelValues("miss").Inc()
	}
}
