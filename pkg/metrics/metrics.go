// Package metrics exposes the engine's Prometheus collectors on a dedicated
// registry, kept separate from the default global one so tests can build as
// many engines as they like without duplicate-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the engine records into.
type Metrics struct {
	Registry *prometheus.Registry

	// EventsAppended counts vault appends by event type.
	EventsAppended *prometheus.CounterVec

	// TasksTotal counts task terminal transitions by resulting state.
	TasksTotal *prometheus.CounterVec

	// SentinelAlerts counts alerts by detection pattern.
	SentinelAlerts *prometheus.CounterVec

	// LLMTokens counts tokens spent by model.
	LLMTokens *prometheus.CounterVec

	// OpenRequirements tracks requirements currently pending approval.
	OpenRequirements prometheus.Gauge

	// CommandDuration observes control-surface command latency.
	CommandDuration *prometheus.HistogramVec
}

// New builds and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apiary_events_appended_total",
			Help: "Events appended to the vault, by type.",
		}, []string{"type"}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apiary_tasks_total",
			Help: "Tasks reaching a terminal state, by state.",
		}, []string{"state"}),
		SentinelAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apiary_sentinel_alerts_total",
			Help: "Sentinel alerts raised, by pattern.",
		}, []string{"pattern"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apiary_llm_tokens_total",
			Help: "LLM tokens consumed, by model.",
		}, []string{"model"}),
		OpenRequirements: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apiary_open_requirements",
			Help: "Requirements currently pending approval.",
		}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apiary_command_duration_seconds",
			Help:    "Control-surface command latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}
	m.Registry.MustRegister(
		m.EventsAppended,
		m.TasksTotal,
		m.SentinelAlerts,
		m.LLMTokens,
		m.OpenRequirements,
		m.CommandDuration,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
