package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the Prometheus collectors for reconciliation activity. A
// Metrics built with metrics disabled accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Reconciliation metrics
	reconciliations   *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	activeOperations  prometheus.Gauge

	// Transport metrics
	remoteCommands      *prometheus.CounterVec
	transportReconnects *prometheus.CounterVec

	// Resource metrics
	networkHealth *prometheus.GaugeVec
	volumeBackups *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors and registers them on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Total number of reconciliation operations by outcome",
			},
			[]string{"operation", "result"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconciliation operations",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Reconciliation operations currently in flight",
			},
		),
		remoteCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_commands_total",
				Help:      "Total number of remote commands by outcome",
			},
			[]string{"outcome"},
		),
		transportReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_reconnects_total",
				Help:      "Total number of transport reconnections per host",
			},
			[]string{"host"},
		),
		networkHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "network_healthy",
				Help:      "Whether a runtime network inspected cleanly (1) or not (0)",
			},
			[]string{"network"},
		),
		volumeBackups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "volume_backups_total",
				Help:      "Total number of volume backups taken by outcome",
			},
			[]string{"result"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of reconciliation errors by class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.reconciliations,
		m.reconcileDuration,
		m.activeOperations,
		m.remoteCommands,
		m.transportReconnects,
		m.networkHealth,
		m.volumeBackups,
		m.errorsByClass,
	)

	return m, nil
}

// OperationStarted marks an operation as in flight.
func (m *Metrics) OperationStarted() {
	if m == nil || m.activeOperations == nil {
		return
	}
	m.activeOperations.Inc()
}

// RecordReconciliation records a finished operation. result is the
// operation's action ("created", "reused", "fallback-to-default", ...) or
// "failed".
func (m *Metrics) RecordReconciliation(operation, result string, duration time.Duration) {
	if m == nil || m.reconciliations == nil {
		return
	}
	m.reconciliations.WithLabelValues(operation, result).Inc()
	m.reconcileDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.activeOperations.Dec()
}

// RecordRemoteCommands adds n remote commands with the given outcome
// (ok, nonzero, error).
func (m *Metrics) RecordRemoteCommands(outcome string, n int) {
	if m == nil || m.remoteCommands == nil || n <= 0 {
		return
	}
	m.remoteCommands.WithLabelValues(outcome).Add(float64(n))
}

// RecordReconnects adds reconnections observed on a host's transport.
func (m *Metrics) RecordReconnects(host string, n int) {
	if m == nil || m.transportReconnects == nil || n <= 0 {
		return
	}
	m.transportReconnects.WithLabelValues(host).Add(float64(n))
}

// SetNetworkHealth publishes the latest health of a network.
func (m *Metrics) SetNetworkHealth(network string, healthy bool) {
	if m == nil || m.networkHealth == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.networkHealth.WithLabelValues(network).Set(value)
}

// RecordBackup counts a volume backup attempt.
func (m *Metrics) RecordBackup(success bool) {
	if m == nil || m.volumeBackups == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	m.volumeBackups.WithLabelValues(result).Inc()
}

// RecordError counts an error by class.
func (m *Metrics) RecordError(class string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer measures elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
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
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", m.config.ListenAddress).Str("path", m.config.Path).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
