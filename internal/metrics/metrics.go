// Package metrics exposes Prometheus collectors for the Task Engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "mediaflow"

	stageLabel  = "stage"
	kindLabel   = "kind"
	reasonLabel = "reason"
	statusLabel = "status"
)

// Engine holds the engine's collectors. A nil *Engine is valid and records nothing.
type Engine struct {
	registry *prometheus.Registry

	dispatches    *prometheus.CounterVec
	completions   *prometheus.CounterVec
	failures      *prometheus.CounterVec
	discards      *prometheus.CounterVec
	abandoned     *prometheus.CounterVec
	sweepTimeouts *prometheus.CounterVec
	publishErrors prometheus.Counter
	brokerHealthy prometheus.Gauge
	jobStatus     *prometheus.GaugeVec
}

// New registers the engine collectors on a fresh registry.
func New() *Engine {
	m := &Engine{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "number of dispatch envelopes published",
		}, []string{stageLabel}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "number of completions reconciled",
		}, []string{stageLabel}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "number of failed attempts by failure kind",
		}, []string{stageLabel, kindLabel}),
		discards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_messages_total",
			Help:      "number of inbound messages discarded without effect",
		}, []string{reasonLabel}),
		abandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abandoned_jobs_total",
			Help:      "number of jobs moved to abandoned",
		}, []string{stageLabel}),
		sweepTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_timeouts_total",
			Help:      "number of inflight jobs failed by the sweep",
		}, []string{stageLabel}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "number of dispatches reverted after a publish failure",
		}),
		brokerHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_healthy",
			Help:      "1 when the broker is reachable, 0 when degraded",
		}),
		jobStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "number of jobs in each status",
		}, []string{statusLabel}),
	}
	m.registry.MustRegister(
		m.dispatches,
		m.completions,
		m.failures,
		m.discards,
		m.abandoned,
		m.sweepTimeouts,
		m.publishErrors,
		m.brokerHealthy,
		m.jobStatus,
	)
	m.brokerHealthy.Set(1)
	return m
}

// Registry exposes the underlying registry for additional collectors.
func (m *Engine) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Engine) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Engine) Dispatched(stage string) {
	if m != nil {
		m.dispatches.With(prometheus.Labels{stageLabel: stage}).Inc()
	}
}

func (m *Engine) Completed(stage string) {
	if m != nil {
		m.completions.With(prometheus.Labels{stageLabel: stage}).Inc()
	}
}

func (m *Engine) Failed(stage, kind string) {
	if m != nil {
		m.failures.With(prometheus.Labels{stageLabel: stage, kindLabel: kind}).Inc()
	}
}

// Discarded counts a message dropped as stale, inconsistent, or premature.
func (m *Engine) Discarded(reason string) {
	if m != nil {
		m.discards.With(prometheus.Labels{reasonLabel: reason}).Inc()
	}
}

func (m *Engine) Abandoned(stage string) {
	if m != nil {
		m.abandoned.With(prometheus.Labels{stageLabel: stage}).Inc()
	}
}

func (m *Engine) SweepTimeout(stage string) {
	if m != nil {
		m.sweepTimeouts.With(prometheus.Labels{stageLabel: stage}).Inc()
	}
}

func (m *Engine) PublishFailed() {
	if m != nil {
		m.publishErrors.Inc()
	}
}

// SetBrokerHealthy records the broker health tracker state.
func (m *Engine) SetBrokerHealthy(healthy bool) {
	if m == nil {
		return
	}
	if healthy {
		m.brokerHealthy.Set(1)
		return
	}
	m.brokerHealthy.Set(0)
}

// SetJobCounts replaces the per-status job gauge.
func (m *Engine) SetJobCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.jobStatus.Reset()
	for status, count := range counts {
		m.jobStatus.With(prometheus.Labels{statusLabel: status}).Set(float64(count))
	}
}
