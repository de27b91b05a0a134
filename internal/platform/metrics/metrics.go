// Package metrics registers the Prometheus instruments for the ingestion
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// UploadsTotal counts terminal upload outcomes, labelled by result
	// (success, rejected, duplicate, replayed, failure).
	UploadsTotal *prometheus.CounterVec
	// UploadDuration observes the full pipeline latency per request.
	UploadDuration prometheus.Histogram
	// PayloadBytes observes accepted payload sizes.
	PayloadBytes prometheus.Histogram
	// IdempotencySwept counts entries removed by the background sweep.
	IdempotencySwept prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		UploadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "permia_uploads_total",
			Help: "Total evidence upload requests by terminal outcome",
		}, []string{"result"}),
		UploadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "permia_upload_duration_seconds",
			Help:    "Evidence upload pipeline latency",
			Buckets: prometheus.DefBuckets,
		}),
		PayloadBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "permia_payload_bytes",
			Help:    "Accepted evidence payload sizes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		IdempotencySwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "permia_idempotency_swept_total",
			Help: "Expired idempotency entries removed by the sweep",
		}),
	}
}

// Handler exposes the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
