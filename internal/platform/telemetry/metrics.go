package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Analysis outcomes recorded by Collector.AnalysesTotal.
const (
	OutcomeSuccess      = "success"
	OutcomeAlreadyDone  = "already_analyzed"
	OutcomeVisionFailed = "vision_failed"
	OutcomeImageMissing = "image_missing"
	OutcomeCommitFailed = "commit_failed"
	OutcomeForbidden    = "forbidden"
	OutcomeUnavailable  = "unavailable"
)

// Collector holds the domain collectors for the analysis pipeline.
type Collector struct {
	AnalysesTotal         *prometheus.CounterVec
	VisionRequestDuration *prometheus.HistogramVec
	ParseDegradedTotal    prometheus.Counter
	ImagesUploadedTotal   prometheus.Counter
	EventPublishFailures  prometheus.Counter
}

func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	c := &Collector{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "analyses_total",
			Help:      "Analysis attempts by outcome.",
		}, []string{"outcome"}),

		VisionRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vision",
			Name:      "request_duration_seconds",
			Help:      "Latency of vision provider calls.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"result"}),

		ParseDegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "parse_degraded_total",
			Help:      "Model responses that could not be parsed as JSON and fell back to raw text.",
		}),

		ImagesUploadedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "uploaded_total",
			Help:      "Healing images uploaded.",
		}),

		EventPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Analysis events that could not be published. Alert if non-zero.",
		}),
	}
	reg.MustRegister(
		c.AnalysesTotal,
		c.VisionRequestDuration,
		c.ParseDegradedTotal,
		c.ImagesUploadedTotal,
		c.EventPublishFailures,
	)
	return c
}

// MetricsHandler exposes the collectors registered on g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
