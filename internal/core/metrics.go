package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"jaquizy/internal/types"
)

// Metrics holds the Prometheus collectors for the service. A dedicated
// registry (rather than the package-global default) keeps tests isolated
// and avoids double registration.
type Metrics struct {
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestCount    *prometheus.CounterVec
	spendDecisions  *prometheus.CounterVec
	spendRetries    prometheus.Counter
	promptDecisions *prometheus.CounterVec
	catalogRefresh  *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics(service string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	constLabels := prometheus.Labels{"service": service}

	m := &Metrics{
		Registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency by method, endpoint and status.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "endpoint", "status"}),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "HTTP request count by method, endpoint and status.",
			ConstLabels: constLabels,
		}, []string{"method", "endpoint", "status"}),
		spendDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quota_spend_decisions_total",
			Help:        "Quota spend outcomes by quota and reason.",
			ConstLabels: constLabels,
		}, []string{"quota", "reason"}),
		spendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quota_spend_conflicts_total",
			Help:        "Spends that exhausted optimistic retries.",
			ConstLabels: constLabels,
		}),
		promptDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "upgrade_prompts_total",
			Help:        "Upgrade prompt decisions by trigger.",
			ConstLabels: constLabels,
		}, []string{"trigger"}),
		catalogRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "catalog_refreshes_total",
			Help:        "Catalog refresh attempts by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.requestDuration,
		m.requestCount,
		m.spendDecisions,
		m.spendRetries,
		m.promptDecisions,
		m.catalogRefresh,
	)
	return m
}

// RecordRequest records one completed HTTP request.
func (m *Metrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
	m.requestCount.WithLabelValues(method, endpoint, status).Inc()
}

// RecordSpend records one quota spend decision.
func (m *Metrics) RecordSpend(quota types.QuotaName, reason types.EvalReason) {
	m.spendDecisions.WithLabelValues(string(quota), string(reason)).Inc()
}

// RecordSpendConflict records a spend that gave up after losing every
// optimistic retry.
func (m *Metrics) RecordSpendConflict() {
	m.spendRetries.Inc()
}

// RecordPrompt records an upgrade prompt being shown.
func (m *Metrics) RecordPrompt(trigger types.PromptTrigger) {
	m.promptDecisions.WithLabelValues(string(trigger)).Inc()
}

// RecordCatalogRefresh records a catalog refresh attempt.
func (m *Metrics) RecordCatalogRefresh(err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.catalogRefresh.WithLabelValues(outcome).Inc()
}
