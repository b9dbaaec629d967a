package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the server's externally visible activity.
type Metrics struct {
	SessionsOpened      prometheus.Counter
	SessionsClosed      prometheus.Counter
	SessionsActive      prometheus.Gauge
	RequestsTotal       *prometheus.CounterVec
	RequestErrors       *prometheus.CounterVec
	TxBroadcasts        prometheus.Counter
	HungSessionsDropped prometheus.Counter
}

// NewMetrics builds and registers the metric set. A nil registerer
// registers on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docstream",
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Sessions accepted since start.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docstream",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Sessions closed since start.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docstream",
			Subsystem: "session",
			Name:      "active",
			Help:      "Currently open sessions.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docstream",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "RPC requests by method.",
		}, []string{"method"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docstream",
			Subsystem: "rpc",
			Name:      "request_errors_total",
			Help:      "Failed RPC requests by method.",
		}, []string{"method"}),
		TxBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docstream",
			Subsystem: "session",
			Name:      "tx_broadcasts_total",
			Help:      "Transaction broadcasts fanned out to sessions.",
		}),
		HungSessionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docstream",
			Subsystem: "session",
			Name:      "hung_dropped_total",
			Help:      "Sessions force-closed after missing pongs.",
		}),
	}
	reg.MustRegister(
		m.SessionsOpened, m.SessionsClosed, m.SessionsActive,
		m.RequestsTotal, m.RequestErrors, m.TxBroadcasts, m.HungSessionsDropped,
	)
	return m
}
