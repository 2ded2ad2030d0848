package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for watch cycles. It implements
// engine.MetricsRecorder. A disabled instance accepts every call and records
// nothing.
type Metrics struct {
	config MetricsConfig

	// Cycle metrics
	cyclesStarted   *prometheus.CounterVec
	cyclesCompleted *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	activeCycles    prometheus.Gauge

	// Change metrics
	changes       *prometheus.CounterVec
	itemsObserved *prometheus.GaugeVec

	// Fetch metrics
	rateLimitRetries *prometheus.CounterVec
	backoffDelay     *prometheus.GaugeVec
	fetchFailures    *prometheus.CounterVec
	suppressed       *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

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

		cyclesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_started_total",
				Help:      "Total number of watch cycles started",
			},
			[]string{"technology"},
		),
		cyclesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_completed_total",
				Help:      "Total number of watch cycles completed",
			},
			[]string{"technology", "status"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of watch cycles in seconds",
				Buckets:   buckets,
			},
			[]string{"technology", "status"},
		),
		activeCycles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_cycles",
				Help:      "Current number of running watch cycles",
			},
		),

		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_total",
				Help:      "Total number of detected changes by bucket",
			},
			[]string{"technology", "bucket"},
		),
		itemsObserved: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "items_observed",
				Help:      "Number of items seen in the last fetch of an account",
			},
			[]string{"technology", "account"},
		),

		rateLimitRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_retries_total",
				Help:      "Total number of calls retried after rate limiting",
			},
			[]string{"technology"},
		),
		backoffDelay: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backoff_delay_seconds",
				Help:      "Current rate limiting delay",
			},
			[]string{"technology"},
		),
		fetchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_failures_total",
				Help:      "Total number of fetch failures by scope",
			},
			[]string{"technology", "scope"},
		),
		suppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "suppressed_locations_total",
				Help:      "Total number of locations skipped because of fetch failures",
			},
			[]string{"technology"},
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
		m.cyclesStarted,
		m.cyclesCompleted,
		m.cycleDuration,
		m.activeCycles,
		m.changes,
		m.itemsObserved,
		m.rateLimitRetries,
		m.backoffDelay,
		m.fetchFailures,
		m.suppressed,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Cycle Metrics

// RecordCycleStarted increments the counter for started cycles.
func (m *Metrics) RecordCycleStarted(technology string) {
	if m.cyclesStarted == nil {
		return
	}
	m.cyclesStarted.WithLabelValues(technology).Inc()
	m.activeCycles.Inc()
}

// RecordCycleCompleted records a finished cycle with its status and duration.
func (m *Metrics) RecordCycleCompleted(technology, status string, duration time.Duration) {
	if m.cyclesCompleted == nil {
		return
	}
	m.cyclesCompleted.WithLabelValues(technology, status).Inc()
	m.cycleDuration.WithLabelValues(technology, status).Observe(duration.Seconds())
	m.activeCycles.Dec()
}

// Change Metrics

// RecordChanges adds count changes to a bucket.
func (m *Metrics) RecordChanges(technology, bucket string, count int) {
	if m.changes == nil {
		return
	}
	m.changes.WithLabelValues(technology, bucket).Add(float64(count))
}

// SetItemsObserved sets the number of items fetched from an account.
func (m *Metrics) SetItemsObserved(technology, account string, count int) {
	if m.itemsObserved == nil {
		return
	}
	m.itemsObserved.WithLabelValues(technology, account).Set(float64(count))
}

// Fetch Metrics

// RecordRateLimitRetry records a rate limited call and the delay that now
// applies. A zero delay marks recovery.
func (m *Metrics) RecordRateLimitRetry(technology string, delay time.Duration) {
	if m.rateLimitRetries == nil {
		return
	}
	if delay > 0 {
		m.rateLimitRetries.WithLabelValues(technology).Inc()
	}
	m.backoffDelay.WithLabelValues(technology).Set(delay.Seconds())
}

// RecordFetchFailure records a fetch failure at the given scope.
func (m *Metrics) RecordFetchFailure(technology, scope string) {
	if m.fetchFailures == nil {
		return
	}
	m.fetchFailures.WithLabelValues(technology, scope).Inc()
}

// RecordSuppressed adds count suppressed locations.
func (m *Metrics) RecordSuppressed(technology string, count int) {
	if m.suppressed == nil {
		return
	}
	m.suppressed.WithLabelValues(technology).Add(float64(count))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the registry backing the metrics, or nil when disabled.
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	return nil
}
