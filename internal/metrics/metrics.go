// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	ProviderRequests    *prometheus.CounterVec
	ProviderRetries     *prometheus.CounterVec
	StepsApplied        prometheus.Counter
	AnnotationsDropped  prometheus.Counter
	SuggestionsResolved *prometheus.CounterVec
	RoomsOpen           prometheus.Gauge
	Connections         prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inkwell",
			Name:      "provider_requests_total",
			Help:      "Completion requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inkwell",
			Name:      "provider_rate_limit_retries_total",
			Help:      "Retries issued after an upstream 429.",
		}, []string{"provider"}),
		StepsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inkwell",
			Name:      "document_steps_applied_total",
			Help:      "Document steps applied across all rooms.",
		}),
		AnnotationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inkwell",
			Name:      "annotations_dropped_total",
			Help:      "Highlights and suggestions removed because their range collapsed.",
		}),
		SuggestionsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inkwell",
			Name:      "suggestions_resolved_total",
			Help:      "Suggestions accepted or rejected.",
		}, []string{"action"}),
		RoomsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inkwell",
			Name:      "rooms_open",
			Help:      "Rooms currently held in memory.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inkwell",
			Name:      "websocket_connections",
			Help:      "Open collaborator websocket connections.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ProviderRequests,
		m.ProviderRetries,
		m.StepsApplied,
		m.AnnotationsDropped,
		m.SuggestionsResolved,
		m.RoomsOpen,
		m.Connections,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
