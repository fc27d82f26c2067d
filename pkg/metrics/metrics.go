package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "bisq"

// Metrics contains the collectors exposed by the node.
type Metrics struct {
	// Number of offers currently in the local book, own ones included.
	OffersInBook prometheus.Gauge
	// Take attempts on the local book, by outcome (won, lost).
	Reservations *prometheus.CounterVec
	// Open trades by protocol phase.
	TradesByPhase *prometheus.GaugeVec
	// Peer messages handed to the transport, by message type.
	MessagesSent *prometheus.CounterVec
	// Retransmissions after a missing acknowledgement.
	MessagesRetried prometheus.Counter
	// Inbound messages dropped as duplicates.
	DuplicatesDropped prometheus.Counter
	// Sends that exhausted their retries.
	DeliveriesFailed prometheus.Counter
}

// PrometheusMetrics returns Metrics registered on reg.
func PrometheusMetrics(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(
		m.OffersInBook,
		m.Reservations,
		m.TradesByPhase,
		m.MessagesSent,
		m.MessagesRetried,
		m.DuplicatesDropped,
		m.DeliveriesFailed,
	)
	return m
}

// NopMetrics returns Metrics that are never exported.
func NopMetrics() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		OffersInBook: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "offerbook",
			Name:      "offers",
			Help:      "Number of offers in the local offer book.",
		}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "offerbook",
			Name:      "reservations_total",
			Help:      "Take attempts on the local offer book by outcome.",
		}, []string{"outcome"}),
		TradesByPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "trade",
			Name:      "trades",
			Help:      "Trades by protocol phase.",
		}, []string{"phase"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "delivery",
			Name:      "messages_sent_total",
			Help:      "Peer messages sent by message type.",
		}, []string{"type"}),
		MessagesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "delivery",
			Name:      "messages_retried_total",
			Help:      "Retransmissions after a missing acknowledgement.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "delivery",
			Name:      "duplicates_dropped_total",
			Help:      "Inbound messages dropped as duplicates.",
		}),
		DeliveriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "delivery",
			Name:      "deliveries_failed_total",
			Help:      "Sends that exhausted their retries.",
		}),
	}
}

// ReservationWon records a successful local reservation
func (m *Metrics) ReservationWon() {
	m.Reservations.WithLabelValues("won").Inc()
}

// ReservationLost records a lost take race
func (m *Metrics) ReservationLost() {
	m.Reservations.WithLabelValues("lost").Inc()
}

// TradePhaseChanged moves one trade from the from phase to the to phase.
// An empty from counts a new trade.
func (m *Metrics) TradePhaseChanged(from, to string) {
	if from != "" {
		m.TradesByPhase.WithLabelValues(from).Dec()
	}
	m.TradesByPhase.WithLabelValues(to).Inc()
}
