package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the LaunchFlow engine.
type Metrics struct {
	config MetricsConfig

	// Plan metrics
	plansComputed *prometheus.CounterVec
	planDuration  *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Lock metrics
	lockAcquisitions *prometheus.CounterVec
	lockContention   *prometheus.CounterVec

	// State store metrics
	casConflicts *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	// System metrics
	activeExecutions prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// When disabled, every recording method is a no-op.
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

		plansComputed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_computed_total",
				Help:      "Total number of plans computed",
			},
			[]string{"mode"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Duration of plan computation in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of plan steps executed",
			},
			[]string{"operation", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of plan step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "kind"},
		),

		lockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Total number of lock acquisitions",
			},
			[]string{"outcome"},
		),
		lockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of lock acquisition attempts that found the lock held",
			},
			[]string{"operation"},
		),

		casConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_cas_conflicts_total",
				Help:      "Total number of compare-and-swap conflicts against the state store",
			},
			[]string{"backend"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified engine errors",
			},
			[]string{"code"},
		),

		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of plan executions in flight",
			},
		),
	}

	registry.MustRegister(
		m.plansComputed,
		m.planDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.lockAcquisitions,
		m.lockContention,
		m.casConflicts,
		m.errorsByCode,
		m.activeExecutions,
	)

	return m, nil
}

// RecordPlanComputed records a computed plan with its duration.
func (m *Metrics) RecordPlanComputed(mode string, duration time.Duration) {
	if m.plansComputed == nil {
		return
	}
	m.plansComputed.WithLabelValues(mode).Inc()
	m.planDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordStepExecution records the execution of one plan step.
func (m *Metrics) RecordStepExecution(operation, outcome, kind string, duration time.Duration) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(operation, outcome).Inc()
	m.stepDuration.WithLabelValues(operation, kind).Observe(duration.Seconds())
}

// RecordLockAcquisition records the outcome of a lock acquisition.
func (m *Metrics) RecordLockAcquisition(outcome string) {
	if m.lockAcquisitions == nil {
		return
	}
	m.lockAcquisitions.WithLabelValues(outcome).Inc()
}

// RecordLockContention records an acquisition attempt that found the lock held.
func (m *Metrics) RecordLockContention(operation string) {
	if m.lockContention == nil {
		return
	}
	m.lockContention.WithLabelValues(operation).Inc()
}

// RecordCASConflict records a compare-and-swap conflict against the state store.
func (m *Metrics) RecordCASConflict(backend string) {
	if m.casConflicts == nil {
		return
	}
	m.casConflicts.WithLabelValues(backend).Inc()
}

// RecordError records a classified engine error by code.
func (m *Metrics) RecordError(code string) {
	if m.errorsByCode == nil {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// ExecutionStarted increments the in-flight execution gauge.
func (m *Metrics) ExecutionStarted() {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Inc()
}

// ExecutionFinished decrements the in-flight execution gauge.
func (m *Metrics) ExecutionFinished() {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Dec()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics endpoint.
func (m *Metrics) StartMetricsServer(errLog *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errLog.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}
