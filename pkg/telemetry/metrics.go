package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// Metrics provides Prometheus metrics for deltas, plans and step executions.
// A disabled instance accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	deltaEntries *prometheus.GaugeVec

	plansStarted   *prometheus.CounterVec
	plansCompleted *prometheus.CounterVec
	planDuration   *prometheus.HistogramVec
	activePlans    prometheus.Gauge
	plannedLeaves  *prometheus.HistogramVec

	stepsCompleted *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec

	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deltaEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "delta",
				Name:      "entries",
				Help:      "Number of entries per delta status in the last computed delta",
			},
			[]string{"fabric", "status"},
		),

		plansStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "plan",
				Name:      "started_total",
				Help:      "Total number of plan executions started",
			},
			[]string{"plan_type"},
		),
		plansCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "plan",
				Name:      "completed_total",
				Help:      "Total number of plan executions completed, by completion status",
			},
			[]string{"plan_type", "status"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "plan",
				Name:      "duration_seconds",
				Help:      "Duration of plan executions in seconds",
				Buckets:   buckets,
			},
			[]string{"plan_type", "status"},
		),
		activePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "plan",
				Name:      "active",
				Help:      "Current number of running plan executions",
			},
		),
		plannedLeaves: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "plan",
				Name:      "leaf_steps",
				Help:      "Number of leaf steps in built plans",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"plan_type"},
		),

		stepsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "step",
				Name:      "completed_total",
				Help:      "Total number of steps completed, by step type and completion status",
			},
			[]string{"step_type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "step",
				Name:      "duration_seconds",
				Help:      "Duration of leaf step executions in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "status"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of step errors by error class and code",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.deltaEntries,
		m.plansStarted,
		m.plansCompleted,
		m.planDuration,
		m.activePlans,
		m.plannedLeaves,
		m.stepsCompleted,
		m.stepDuration,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the registry the metrics are registered with, or nil
// when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetDeltaSummary publishes the per status entry counts of a delta.
func (m *Metrics) SetDeltaSummary(fabric string, summary map[engine.DeltaStatus]int) {
	if m.deltaEntries == nil {
		return
	}
	m.deltaEntries.DeletePartialMatch(prometheus.Labels{"fabric": fabric})
	for status, count := range summary {
		m.deltaEntries.WithLabelValues(fabric, string(status)).Set(float64(count))
	}
}

// RecordPlanBuilt records the size of a freshly built plan.
func (m *Metrics) RecordPlanBuilt(planType string, leaves int) {
	if m.plannedLeaves == nil {
		return
	}
	m.plannedLeaves.WithLabelValues(planType).Observe(float64(leaves))
}

func (m *Metrics) RecordPlanStarted(planType string) {
	if m.plansStarted == nil {
		return
	}
	m.plansStarted.WithLabelValues(planType).Inc()
	m.activePlans.Inc()
}

func (m *Metrics) RecordPlanCompleted(planType string, status engine.CompletionStatus, duration time.Duration) {
	if m.plansCompleted == nil {
		return
	}
	m.plansCompleted.WithLabelValues(planType, string(status)).Inc()
	m.planDuration.WithLabelValues(planType, string(status)).Observe(duration.Seconds())
	m.activePlans.Dec()
}

// RecordStepCompleted counts a finished step.
func (m *Metrics) RecordStepCompleted(stepType string, status engine.CompletionStatus) {
	if m.stepsCompleted == nil {
		return
	}
	m.stepsCompleted.WithLabelValues(stepType, string(status)).Inc()
}

// ObserveAction records how long a leaf action ran on its agent.
func (m *Metrics) ObserveAction(action string, status engine.CompletionStatus, duration time.Duration) {
	if m.stepDuration == nil {
		return
	}
	m.stepDuration.WithLabelValues(action, string(status)).Observe(duration.Seconds())
}

// RecordError counts a step error by class and code. Errors that are not
// engine errors are counted as unknown.
func (m *Metrics) RecordError(err error) {
	if m.errorsByCode == nil || err == nil {
		return
	}
	class, code := "unknown", "UNKNOWN"
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		class, code = string(ee.Class), ee.Code
		if code == "" {
			code = "NONE"
		}
	}
	m.errorsByCode.WithLabelValues(class, code).Inc()
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

// StartMetricsServer starts an HTTP server exposing the metrics. It returns
// nil when metrics are disabled; the caller shuts the server down.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", server.Addr).Msg("metrics server stopped")
		}
	}()

	return server
}
