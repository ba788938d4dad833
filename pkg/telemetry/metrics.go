package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for lazyflow.
// It implements engine.MetricsRecorder.
type Metrics struct {
	config MetricsConfig

	// Model run metrics
	modelRuns        *prometheus.CounterVec
	modelRunDuration *prometheus.HistogramVec

	// Pass metrics
	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec

	// Validity metrics
	invalidations         prometheus.Counter
	postconditionFailures *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// External code metrics
	externalCalls    *prometheus.CounterVec
	externalDuration prometheus.Histogram

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		modelRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_runs_total",
				Help:      "Total number of model runs",
			},
			[]string{"model", "status"},
		),
		modelRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_run_duration_seconds",
				Help:      "Duration of model runs in seconds",
				Buckets:   buckets,
			},
			[]string{"model"},
		),

		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_total",
				Help:      "Total number of component passes by outcome (computed, skipped, error)",
			},
			[]string{"component", "outcome"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of component passes in seconds",
				Buckets:   buckets,
			},
			[]string{"component"},
		),

		invalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalidations_total",
				Help:      "Total number of ports flipped from valid to invalid",
			},
		),
		postconditionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "postcondition_failures_total",
				Help:      "Connected outputs left uncomputed at the end of a pass",
			},
			[]string{"component", "output"},
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

		externalCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "external_code_calls_total",
				Help:      "Total number of external command executions by result",
			},
			[]string{"result"},
		),
		externalDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "external_code_duration_seconds",
				Help:      "Duration of external command executions in seconds",
				Buckets:   buckets,
			},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of model runs in progress",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.modelRuns,
		m.modelRunDuration,
		m.passes,
		m.passDuration,
		m.invalidations,
		m.postconditionFailures,
		m.errorsByClass,
		m.errorsByCode,
		m.externalCalls,
		m.externalDuration,
		m.activeRuns,
	)

	return m, nil
}

// Model Run Metrics

// RecordRunStarted marks a model run as in progress.
func (m *Metrics) RecordRunStarted() {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished model run.
func (m *Metrics) RecordRunCompleted(model, status string, duration time.Duration) {
	if m.modelRuns == nil {
		return
	}
	m.modelRuns.WithLabelValues(model, status).Inc()
	m.modelRunDuration.WithLabelValues(model).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Pass Metrics

// RecordPass records one executor pass.
func (m *Metrics) RecordPass(component, outcome string, duration time.Duration) {
	if m.passes == nil {
		return
	}
	m.passes.WithLabelValues(component, outcome).Inc()
	m.passDuration.WithLabelValues(component).Observe(duration.Seconds())
}

// RecordInvalidations adds count flipped ports.
func (m *Metrics) RecordInvalidations(count int) {
	if m.invalidations == nil || count <= 0 {
		return
	}
	m.invalidations.Add(float64(count))
}

// RecordPostconditionFailure records a connected output left uncomputed.
func (m *Metrics) RecordPostconditionFailure(component, output string) {
	if m.postconditionFailures == nil {
		return
	}
	m.postconditionFailures.WithLabelValues(component, output).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// External Code Metrics

// RecordExternalCall records one external command execution.
// result is "ok", "nonzero" or "timeout".
func (m *Metrics) RecordExternalCall(result string, duration time.Duration) {
	if m.externalCalls == nil {
		return
	}
	m.externalCalls.WithLabelValues(result).Inc()
	m.externalDuration.Observe(duration.Seconds())
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
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

// StartMetricsServer serves the registry at config.Path in the background.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}
