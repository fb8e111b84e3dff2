// Package observability exposes Prometheus metrics for the recovery
// engine: ingestion volume, run outcomes, tool invocations, and provider
// health.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	submissionsTotal *prometheus.CounterVec
	activeRuns       prometheus.Gauge

	runTotal    *prometheus.CounterVec
	runDuration prometheus.Histogram

	toolInvocationTotal    *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec
	limitDenialsTotal      *prometheus.CounterVec

	providerCompletionTotal *prometheus.CounterVec
	providerRetriesTotal    *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			submissionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "failure_submissions_total",
					Help: "Total failure submissions by result (accepted, rejected).",
				},
				[]string{"result"},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_runs",
					Help: "Recovery runs currently executing.",
				},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "run_total",
					Help: "Total finished recovery runs by terminal status.",
				},
				[]string{"status"},
			),
			runDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "run_duration_seconds",
					Help:    "Recovery run duration in seconds.",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
			),
			toolInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_invocation_total",
					Help: "Total tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_invocation_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			limitDenialsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "limit_denials_total",
					Help: "Invocations denied by the call-limit governor, by name.",
				},
				[]string{"name"},
			),
			providerCompletionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_completion_total",
					Help: "Total provider completions by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_retries_total",
					Help: "Total provider completion retries by provider.",
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.submissionsTotal,
			m.activeRuns,
			m.runTotal,
			m.runDuration,
			m.toolInvocationTotal,
			m.toolInvocationDuration,
			m.limitDenialsTotal,
			m.providerCompletionTotal,
			m.providerRetriesTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordSubmission(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	getMetrics().submissionsTotal.WithLabelValues(result).Inc()
}

func RunStarted() {
	getMetrics().activeRuns.Inc()
}

func RunFinished(status string, duration time.Duration) {
	m := getMetrics()
	m.activeRuns.Dec()
	m.runTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func RecordToolInvocation(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolInvocationTotal.WithLabelValues(tool, status).Inc()
	m.toolInvocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordLimitDenial(name string) {
	getMetrics().limitDenialsTotal.WithLabelValues(name).Inc()
}

func RecordProviderCompletion(provider string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().providerCompletionTotal.WithLabelValues(provider, status).Inc()
}

func RecordProviderRetry(provider string) {
	getMetrics().providerRetriesTotal.WithLabelValues(provider).Inc()
}
