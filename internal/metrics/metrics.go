// Package metrics exposes the server's runtime counters/gauges/histograms
// via promhttp. Dashboards, SLA computation, and long-term time series
// belong to whatever scrapes this endpoint, not to the process being
// scraped.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the gateway registers. Construct
// once per process with New and pass it down to the server and pool/store
// wiring.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ActiveRequests      prometheus.Gauge
	InstancesLive       *prometheus.GaugeVec
	InstancesLoading    *prometheus.GaugeVec
	InstanceLoadSeconds *prometheus.HistogramVec
	Waiters             *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New constructs and registers every collector against a private registry,
// so repeated calls in tests don't collide with the global default
// registry's duplicate-registration panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmpool_requests_total",
			Help: "Total requests handled, by model and task.",
		}, []string{"model", "task"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmpool_errors_total",
			Help: "Total requests that ended in an error, by model and error kind.",
		}, []string{"model", "kind"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmpool_cache_hits_total",
			Help: "Response cache hits, by task.",
		}, []string{"task"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmpool_cache_misses_total",
			Help: "Response cache misses, by task.",
		}, []string{"task"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmpool_request_duration_seconds",
			Help:    "End-to-end request duration, by model and task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"model", "task"}),
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "llmpool_active_requests",
			Help: "Requests currently holding a locked instance.",
		}),
		InstancesLive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmpool_instances_live",
			Help: "Live (idle+busy+loading) instances, by model.",
		}, []string{"model"}),
		InstancesLoading: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmpool_instances_loading",
			Help: "Instances currently spawning, by model.",
		}, []string{"model"}),
		InstanceLoadSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmpool_instance_load_seconds",
			Help:    "Time spent in Instance.Load (createInstance), by model.",
			Buckets: prometheus.DefBuckets,
		}, []string{"model"}),
		Waiters: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmpool_waiters",
			Help: "Requests currently waiting for an instance, by model.",
		}, []string{"model"}),
		registry: reg,
	}
	return m
}

// Handler returns the promhttp handler for this Metrics' private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed request's outcome and duration.
func (m *Metrics) ObserveRequest(model, task string, dur time.Duration, errKind string) {
	m.RequestsTotal.WithLabelValues(model, task).Inc()
	m.RequestDuration.WithLabelValues(model, task).Observe(dur.Seconds())
	if errKind != "" {
		m.ErrorsTotal.WithLabelValues(model, errKind).Inc()
	}
}

// ObserveCache records a cache hit or miss for task.
func (m *Metrics) ObserveCache(task string, hit bool) {
	if hit {
		m.CacheHits.WithLabelValues(task).Inc()
		return
	}
	m.CacheMisses.WithLabelValues(task).Inc()
}

// ObserveLoad records how long an instance load took for model.
func (m *Metrics) ObserveLoad(model string, dur time.Duration) {
	m.InstanceLoadSeconds.WithLabelValues(model).Observe(dur.Seconds())
}

// ModelGaugeSample is one model's point-in-time pool state, used to refresh
// the per-model gauges without this package importing internal/pool.
type ModelGaugeSample struct {
	Model   string
	Live    int
	Loading int
	Waiters int
}

// SetPoolGauges refreshes the active-requests and per-model gauges from a
// point-in-time pool status snapshot.
func (m *Metrics) SetPoolGauges(activeRequests int, samples []ModelGaugeSample) {
	m.ActiveRequests.Set(float64(activeRequests))
	for _, s := range samples {
		m.InstancesLive.WithLabelValues(s.Model).Set(float64(s.Live))
		m.InstancesLoading.WithLabelValues(s.Model).Set(float64(s.Loading))
		m.Waiters.WithLabelValues(s.Model).Set(float64(s.Waiters))
	}
}
