// Copyright 2024-2026 Aiku AI

package streamable

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the transport's Prometheus collectors.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	Requests       *prometheus.CounterVec
	ReplayedEvents prometheus.Counter
	EvictedEvents  prometheus.Counter
	DroppedEvents  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "whatsapp_mcp",
			Subsystem: "http",
			Name:      "active_sessions",
			Help:      "Number of registered streamable HTTP sessions.",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp_mcp",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "MCP endpoint requests by method and status code.",
		}, []string{"method", "status"}),
		ReplayedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "whatsapp_mcp",
			Subsystem: "http",
			Name:      "replayed_events_total",
			Help:      "Events replayed to resuming event streams.",
		}),
		EvictedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "whatsapp_mcp",
			Subsystem: "http",
			Name:      "evicted_events_total",
			Help:      "Events dropped from session replay history because it was full.",
		}),
		DroppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "whatsapp_mcp",
			Subsystem: "http",
			Name:      "dropped_live_events_total",
			Help:      "Live events not delivered because the stream was not keeping up.",
		}),
	}
}
