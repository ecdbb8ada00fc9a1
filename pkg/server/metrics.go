// Copyright 2024-2026 Aiku AI

package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aiku/whatsapp-mcp/pkg/connection"
)

type metrics struct {
	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	connectionEvents *prometheus.CounterVec
	phase            *prometheus.GaugeVec
	ready            prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &metrics{
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp_mcp",
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "whatsapp_mcp",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		connectionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp_mcp",
			Name:      "connection_events_total",
			Help:      "WhatsApp connection events by type.",
		}, []string{"type"}),
		phase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "whatsapp_mcp",
			Name:      "connection_phase",
			Help:      "1 for the current phase of the WhatsApp connection.",
		}, []string{"phase"}),
		ready: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "whatsapp_mcp",
			Name:      "connection_ready",
			Help:      "Whether the WhatsApp client is ready.",
		}),
	}
}

func (m *metrics) observeCall(tool string, duration time.Duration, isError bool) {
	outcome := "success"
	if isError {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

var allPhases = []connection.Phase{
	connection.PhaseIdle,
	connection.PhaseInitializing,
	connection.PhaseAwaitingPairing,
	connection.PhaseReady,
	connection.PhaseDestroyed,
}

func (m *metrics) observeEvent(evt connection.Event) {
	m.connectionEvents.WithLabelValues(string(evt.Type)).Inc()
	for _, phase := range allPhases {
		val := 0.0
		if phase == evt.State.Phase {
			val = 1
		}
		m.phase.WithLabelValues(phase.String()).Set(val)
	}
	if evt.State.Ready {
		m.ready.Set(1)
	} else {
		m.ready.Set(0)
	}
}
