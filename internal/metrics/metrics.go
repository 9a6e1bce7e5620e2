// Package metrics holds the Prometheus collectors shared by the window,
// scorer and API server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for one process. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// Window metrics
	Expansions     *prometheus.CounterVec
	ExpandDuration *prometheus.HistogramVec
	CachedEvents   *prometheus.GaugeVec
	Duplicates     prometheus.Counter

	// Scorer metrics
	ScoreHits   prometheus.Counter
	ScoreMisses prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Collector with its own registry
func New(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		Expansions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "window_expansions_total",
				Help:      "Window expansions by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		ExpandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "window_expand_duration_seconds",
				Help:      "Upstream page fetch latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"direction"},
		),
		CachedEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "window_cached_events",
				Help:      "Events held in the window of each scope",
			},
			[]string{"scope"},
		),
		Duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "window_duplicate_events_total",
				Help:      "Events dropped because their id was already cached",
			},
		),
		ScoreHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "score_cache_hits_total",
				Help:      "Score lookups answered from the cache",
			},
		),
		ScoreMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "score_cache_misses_total",
				Help:      "Score lookups sent to the scorer",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		c.Expansions, c.ExpandDuration, c.CachedEvents, c.Duplicates,
		c.ScoreHits, c.ScoreMisses,
		c.HTTPRequests, c.HTTPDuration,
	)
	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveExpand records one window expansion
func (c *Collector) ObserveExpand(direction string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.Expansions.WithLabelValues(direction, outcome).Inc()
	c.ExpandDuration.WithLabelValues(direction).Observe(d.Seconds())
}

// SetCached records the number of events cached for a scope
func (c *Collector) SetCached(scope string, n int) {
	if c == nil {
		return
	}
	c.CachedEvents.WithLabelValues(scope).Set(float64(n))
}

// IncDuplicates records dropped duplicate events
func (c *Collector) IncDuplicates(n int) {
	if c == nil || n == 0 {
		return
	}
	c.Duplicates.Add(float64(n))
}

// ObserveScoreLookup records cache hits and misses of one scoring call
func (c *Collector) ObserveScoreLookup(hits, misses int) {
	if c == nil {
		return
	}
	c.ScoreHits.Add(float64(hits))
	c.ScoreMisses.Add(float64(misses))
}

// ObserveHTTP records one served request
func (c *Collector) ObserveHTTP(method, route, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, status).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
