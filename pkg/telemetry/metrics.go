package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the provisioning pipeline.
// A nil *Metrics and a disabled one both record nothing.
type Metrics struct {
	config MetricsConfig

	// Pipeline metrics
	pipelinesStarted   prometheus.Counter
	pipelinesCompleted *prometheus.CounterVec
	pipelineDuration   *prometheus.HistogramVec
	activePipelines    prometheus.Gauge

	// Stage metrics
	stagesExecuted *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	retryAttempts  *prometheus.CounterVec

	// Self-healing metrics
	fixAttempts *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Policy metrics
	policyDenials *prometheus.CounterVec

	// Teardown metrics
	teardowns *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		pipelinesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipelines_started_total",
				Help:      "Total number of provisioning pipelines started",
			},
		),
		pipelinesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipelines_completed_total",
				Help:      "Total number of provisioning pipelines completed, by final status",
			},
			[]string{"status"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Duration of provisioning pipelines in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activePipelines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_pipelines",
				Help:      "Current number of running provisioning pipelines",
			},
		),

		stagesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_executed_total",
				Help:      "Total number of pipeline stages executed",
			},
			[]string{"stage", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of failed stage attempts that were retried",
			},
			[]string{"stage"},
		),

		fixAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fix_attempts_total",
				Help:      "Total number of self-healing loops, by outcome",
			},
			[]string{"outcome"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of external provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of external provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of failed external provider calls",
			},
			[]string{"provider", "operation"},
		),

		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of generated file changes denied by policy",
			},
			[]string{"policy"},
		),

		teardowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "teardowns_total",
				Help:      "Total number of project teardowns, by result",
			},
			[]string{"result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.pipelinesStarted,
		m.pipelinesCompleted,
		m.pipelineDuration,
		m.activePipelines,
		m.stagesExecuted,
		m.stageDuration,
		m.retryAttempts,
		m.fixAttempts,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.policyDenials,
		m.teardowns,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Pipeline Metrics

// RecordPipelineStarted increments the started counter and the active gauge.
func (m *Metrics) RecordPipelineStarted() {
	if !m.enabled() {
		return
	}
	m.pipelinesStarted.Inc()
	m.activePipelines.Inc()
}

// RecordPipelineCompleted records a finished pipeline with its final status and duration.
func (m *Metrics) RecordPipelineCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.pipelinesCompleted.WithLabelValues(status).Inc()
	m.pipelineDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activePipelines.Dec()
}

// Stage Metrics

// RecordStage records one executed stage.
func (m *Metrics) RecordStage(stage, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stagesExecuted.WithLabelValues(stage, status).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordRetryAttempt records a failed attempt that will be retried.
func (m *Metrics) RecordRetryAttempt(stage string) {
	if !m.enabled() {
		return
	}
	m.retryAttempts.WithLabelValues(stage).Inc()
}

// RecordFixOutcome records the outcome of one self-healing loop.
func (m *Metrics) RecordFixOutcome(outcome string) {
	if !m.enabled() {
		return
	}
	m.fixAttempts.WithLabelValues(outcome).Inc()
}

// Provider Metrics

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if !m.enabled() {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// RecordPolicyDenial records a change dropped by a policy.
func (m *Metrics) RecordPolicyDenial(policy string) {
	if !m.enabled() {
		return
	}
	m.policyDenials.WithLabelValues(policy).Inc()
}

// RecordTeardown records a teardown result ("succeeded" or "failed").
func (m *Metrics) RecordTeardown(result string) {
	if !m.enabled() {
		return
	}
	m.teardowns.WithLabelValues(result).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry exposes the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
