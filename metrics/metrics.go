// Package metrics exposes Prometheus collectors fed by the crawl engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's collectors. Pass it to the engine via
// WithMetrics; a nil Metrics disables instrumentation.
type Metrics struct {
	RequestsSent    prometheus.Counter
	Responses       *prometheus.CounterVec
	TransportErrors prometheus.Counter
	URIsEnqueued    prometheus.Counter
	InFlight        prometheus.Gauge
}

// New registers the collectors with reg and returns them. Use
// prometheus.DefaultRegisterer for the process-wide registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_requests_sent_total",
			Help: "Total number of requests the engine started.",
		}),
		Responses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_responses_total",
			Help: "Total number of completed responses, labeled by status code.",
		}, []string{"status"}),
		TransportErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_transport_errors_total",
			Help: "Total number of requests that failed at the transport level.",
		}),
		URIsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_uris_enqueued_total",
			Help: "Total number of URIs added to the queue by discovery.",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_inflight_requests",
			Help: "Number of requests currently streaming.",
		}),
	}
}
