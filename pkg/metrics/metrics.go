// Package metrics exposes the pipeline's Prometheus instrumentation:
// request latency, LLM call outcomes, queue depth, backpressure events,
// and circuit-breaker state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// circuitStates lists every label value circuit_state can take; all are
// pre-registered at zero so the gauge exists before the first transition.
var circuitStates = []string{"closed", "open", "half_open"}

// Recorder owns the pipeline's collectors against a private registry (not
// the global default), so a process embedding this package twice in tests
// never hits a duplicate-registration panic.
type Recorder struct {
	registry *prometheus.Registry

	requestDuration   *prometheus.HistogramVec
	llmRequestsTotal  *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	backpressureTotal prometheus.Counter
	circuitState      *prometheus.GaugeVec
}

// New builds a Recorder with the Go and process collectors registered
// alongside the pipeline's own metrics.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		llmRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Count of LLM chat-completion calls by outcome.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current depth of the analyzer work queue.",
		}),
		backpressureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backpressure_events_total",
			Help: "Count of admission requests rejected due to a full queue.",
		}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "1 for the circuit breaker's current state, 0 for the others.",
		}, []string{"state"}),
	}

	registry.MustRegister(r.requestDuration, r.llmRequestsTotal, r.queueDepth, r.backpressureTotal, r.circuitState)

	for _, state := range circuitStates {
		r.circuitState.WithLabelValues(state).Set(0)
	}
	r.circuitState.WithLabelValues("closed").Set(1)

	return r
}

// Handler serves the text exposition format for /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one HTTP request's latency.
func (r *Recorder) ObserveRequest(method, path string, seconds float64) {
	r.requestDuration.WithLabelValues(method, path).Observe(seconds)
}

// ObserveLLMRequest records one LLM call outcome ("success" or "error").
// Satisfies analyzer.MetricsRecorder.
func (r *Recorder) ObserveLLMRequest(status string) {
	r.llmRequestsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth publishes the current queue depth.
func (r *Recorder) SetQueueDepth(depth int) {
	r.queueDepth.Set(float64(depth))
}

// IncBackpressure records one admission request rejected for a full queue.
func (r *Recorder) IncBackpressure() {
	r.backpressureTotal.Inc()
}

// SetCircuitState publishes the breaker's current state, zeroing the
// others so circuit_state always has exactly one label at 1.
// Satisfies analyzer.MetricsRecorder.
func (r *Recorder) SetCircuitState(state string) {
	for _, s := range circuitStates {
		if s == state {
			r.circuitState.WithLabelValues(s).Set(1)
		} else {
			r.circuitState.WithLabelValues(s).Set(0)
		}
	}
}
