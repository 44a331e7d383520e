package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	CredentialSaves  *prometheus.CounterVec
	SessionsRestored prometheus.Counter
	CreditCharges    *prometheus.CounterVec
	ActiveMeters     prometheus.Gauge
	PausedSessions   prometheus.Gauge
	ConfigLookups    *prometheus.CounterVec
	StorageLatency   *prometheus.HistogramVec
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			CredentialSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_saves_total",
				Help:      "Session credential save attempts by outcome.",
			}, []string{"status"}),
			SessionsRestored: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_restored_total",
				Help:      "Session credential files restored from storage at boot.",
			}),
			CreditCharges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credit_charges_total",
				Help:      "Credit charge attempts by kind and outcome.",
			}, []string{"kind", "status"}),
			ActiveMeters: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "credit_active_meters",
				Help:      "Sessions currently being metered.",
			}),
			PausedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_paused",
				Help:      "Sessions paused for insufficient credits.",
			}),
			ConfigLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_config_lookups_total",
				Help:      "User config reads by source (stored, created, fallback).",
			}, []string{"source"}),
			StorageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_operation_duration_seconds",
				Help:      "Latency distribution for storage backend operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"backend", "operation"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.CredentialSaves,
			metricsInstance.SessionsRestored,
			metricsInstance.CreditCharges,
			metricsInstance.ActiveMeters,
			metricsInstance.PausedSessions,
			metricsInstance.ConfigLookups,
			metricsInstance.StorageLatency,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
