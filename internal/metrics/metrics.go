// Package metrics exposes Prometheus collectors for the proxy pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/0x4D31/cacheproxy/internal/cache"
	"github.com/0x4D31/cacheproxy/internal/sse"
	"github.com/0x4D31/cacheproxy/internal/workerpool"
)

const namespace = "cacheproxy"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Handled client requests by cache status.",
		},
		[]string{"status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request decode to the last byte written to the client.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9),
		},
		[]string{"status"},
	)
	originErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "origin_errors_total",
		Help:      "Origin dial, write or read failures.",
	})
	oversizeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oversize_responses_total",
		Help:      "Origin responses too large to cache.",
	})
	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_evictions_total",
		Help:      "Occupied cache slots overwritten by an insert.",
	})
)

// Source provides the live pipeline state sampled on every scrape.
type Source struct {
	Pool  func() workerpool.Stats
	Cache func() cache.Stats

	// Events is nil when the event stream is disabled.
	Events func() sse.Stats
}

// NewRegistry returns a registry holding the request collectors, Go runtime
// collectors and gauges sampled from src.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requestsTotal,
		requestDuration,
		originErrorsTotal,
		oversizeTotal,
		evictionsTotal,
	)
	if src.Pool != nil {
		reg.MustRegister(
			gauge("queue_length", "Connections waiting in the task queue.", func() float64 {
				return float64(src.Pool().Queued)
			}),
			gauge("queue_capacity", "Task queue capacity.", func() float64 {
				return float64(src.Pool().QueueCap)
			}),
			gauge("workers", "Size of the worker pool.", func() float64 {
				return float64(src.Pool().Workers)
			}),
			gauge("workers_busy", "Workers currently running a handler.", func() float64 {
				return float64(src.Pool().Busy)
			}),
			counter("worker_panics_total", "Handler panics recovered by workers.", func() float64 {
				return float64(src.Pool().Panics)
			}),
		)
	}
	if src.Cache != nil {
		reg.MustRegister(
			gauge("cache_slots", "Number of cache slots.", func() float64 {
				return float64(src.Cache().Slots)
			}),
			gauge("cache_slots_occupied", "Cache slots holding an entry.", func() float64 {
				return float64(src.Cache().Occupied)
			}),
			counter("cache_stale_reads_total", "Reads that found their slot overwritten after lookup.", func() float64 {
				return float64(src.Cache().Stale)
			}),
		)
	}
	if src.Events != nil {
		reg.MustRegister(
			gauge("sse_subscribers", "Connected event stream subscribers.", func() float64 {
				return float64(src.Events().Subscribers)
			}),
			counter("sse_dropped_total", "Events dropped for subscribers with a full buffer.", func() float64 {
				return float64(src.Events().Dropped)
			}),
		)
	}
	return reg
}

func gauge(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

func counter(name, help string, fn func() float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

// RecordRequest counts one handled request and its duration.
func RecordRequest(status string, d time.Duration) {
	requestsTotal.WithLabelValues(status).Inc()
	requestDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordOriginError counts a failed origin fetch.
func RecordOriginError() {
	originErrorsTotal.Inc()
}

// RecordOversize counts a response that exceeded the object size limit.
func RecordOversize() {
	oversizeTotal.Inc()
}

// RecordEviction counts an insert that displaced an occupied slot.
func RecordEviction() {
	evictionsTotal.Inc()
}
