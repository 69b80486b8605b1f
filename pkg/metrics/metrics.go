// Package metrics holds the Prometheus collectors shared by all services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is served on /metrics
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	Submissions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "faas_submissions_total",
		Help: "Submissions seen by the dispatcher, by result (accepted|rejected).",
	}, []string{"result"})

	DispatchQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Name: "faas_dispatch_queue_depth",
		Help: "Submissions waiting for fan-out.",
	})

	FanOutOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "faas_fanout_outcomes_total",
		Help: "Per-backend fan-out outcomes (success|failure).",
	}, []string{"backend", "result"})

	GatewayRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "faas_gateway_requests_total",
		Help: "Gateway requests by outcome (hit|miss|coalesced|error).",
	}, []string{"backend", "outcome"})

	InferenceDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "faas_inference_duration_seconds",
		Help:    "Time spent in the inference engine.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"backend"})

	CacheDegraded = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "faas_cache_degraded_total",
		Help: "Dedup index calls that failed open, by operation (exists|mark).",
	}, []string{"op"})

	PersistTasks = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "faas_persist_tasks_total",
		Help: "Persistence tasks by final outcome (stored|invalid|dropped|rejected).",
	}, []string{"backend", "outcome"})

	PersistRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "faas_persist_retries_total",
		Help: "Retries after a store failure.",
	}, []string{"backend"})

	PersistQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Name: "faas_persist_queue_depth",
		Help: "Tasks waiting in the persistence queue.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves Registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
