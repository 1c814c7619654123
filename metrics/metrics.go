package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClientMetrics is reused across every outbound HTTP client (object store,
// spot market): a retry gauge, a failure counter and a duration histogram,
// all keyed by host.
type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// FleetMetrics is the process-wide metrics registry for both the
// controller and the worker binary.
type FleetMetrics struct {
	Version *prometheus.CounterVec

	JobsInFlight      prometheus.Gauge
	InstancesInFlight prometheus.Gauge

	ObjectStoreClient ClientMetrics
	SpotMarketClient  ClientMetrics

	WatcherBackoffSeconds *prometheus.HistogramVec
	PipelineStageDuration *prometheus.HistogramVec
}

var requestDurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

func newClientMetrics(prefix, help string) ClientMetrics {
	return ClientMetrics{
		RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_retry_count",
			Help: "The number of retried " + help + " requests",
		}, []string{"host", "operation"}),
		FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_failure_count",
			Help: "The total number of failed " + help + " requests",
		}, []string{"host", "operation", "status_code"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_request_duration_seconds",
			Help:    "Time taken to send " + help + " requests",
			Buckets: requestDurationBuckets,
		}, []string{"host", "operation"}),
	}
}

func NewMetrics() *FleetMetrics {
	m := &FleetMetrics{
		Version: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "version",
			Help: "Current Git SHA / Tag that's running. Incremented once on app startup.",
		}, []string{"app", "version"}),

		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "A count of the jobs currently being planned, launched or supervised",
		}),
		InstancesInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "instances_in_flight",
			Help: "A count of the spot instances currently rented and not yet destroyed",
		}),

		ObjectStoreClient: newClientMetrics("object_store", "object store"),
		SpotMarketClient:  newClientMetrics("spot_market", "spot market"),

		WatcherBackoffSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watcher_backoff_seconds",
			Help:    "Observed sleep duration of the log watcher's backoff ladder",
			Buckets: []float64{5, 10, 20, 40, 60},
		}, []string{"instance_id"}),
		PipelineStageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Time taken by each local pipeline orchestrator stage",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage"}),
	}
	return m
}

var Metrics = NewMetrics()

// RecordVersion fires the version counter once on process startup; call
// from each binary's main with its own app name and build version.
func RecordVersion(app, version string) {
	Metrics.Version.WithLabelValues(app, version).Inc()
}
