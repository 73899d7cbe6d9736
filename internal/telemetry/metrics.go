package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BatchesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "scenes_batches_completed_total", Help: "Generation batches committed to progress"})
	DuplicatesCaught = prometheus.NewCounter(prometheus.CounterOpts{Name: "scenes_duplicates_total", Help: "Candidate scenes rejected as duplicates"})
	JobsFinalized    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scenes_jobs_finalized_total", Help: "Jobs finalized by status"}, []string{"status"})
	RemoteSyncFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "scenes_remote_sync_failed_total", Help: "Remote writes dropped after exhausting retries"})
	RetryQueueDepth  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scenes_retry_queue_depth", Help: "Jobs awaiting remote write retry"})
	RunQueueDepth    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scenes_run_queue_depth", Help: "Generation requests waiting for the worker"})
	RemoteLatency    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "scenes_remote_request_seconds", Help: "Remote store request latency", Buckets: prometheus.DefBuckets})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BatchesCompleted,
			DuplicatesCaught,
			JobsFinalized,
			RemoteSyncFailed,
			RetryQueueDepth,
			RunQueueDepth,
			RemoteLatency,
		)
	})
	return promhttp.Handler()
}
