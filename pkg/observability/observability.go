package observability

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_received_total",
		Help: "The total number of inbound chat events received by the intake service",
	}, []string{"action", "outcome"}) // outcome: enqueued, rejected, queue_unavailable

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "The total number of deliveries handled by workers",
	}, []string{"outcome"}) // outcome: completed, failed, retried, duplicate, deferred

	DuplicateDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_deliveries_total",
		Help: "Deliveries that found their job already claimed or terminal",
	})

	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "generation_duration_seconds",
		Help:    "Duration of generation capability calls.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	PostsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "result_posts_total",
		Help: "Results posted back to the originating conversation",
	}, []string{"kind"}) // kind: artifact, failure
)

// NewLogger creates a new structured logger.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
