// Package metrics registers the Prometheus metrics of the caching proxy.
// All metrics are registered with the default registry on import; mount
// promhttp.Handler() to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store counters, fed by Observer.
var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caching_proxy_cache_hits_total",
		Help: "Total number of requests served from the cache.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caching_proxy_cache_misses_total",
		Help: "Total number of cache lookups that found no entry.",
	})

	// CacheEvictions counts entries removed by the eviction policy, either to
	// make room for a new entry or by a periodic sweep.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caching_proxy_cache_evictions_total",
		Help: "Total number of entries removed by the eviction policy.",
	})

	// CacheExpirations counts entries removed after serving their last hit.
	CacheExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caching_proxy_cache_expirations_total",
		Help: "Total number of entries removed after their hit TTL ran out.",
	})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "caching_proxy_cache_entries",
		Help: "Number of entries currently stored.",
	})
)

// Origin traffic.
var (
	// OriginFetches counts origin fetches labelled by result ("ok", "error").
	OriginFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caching_proxy_fetches_total",
			Help: "Total number of origin fetches by result.",
		},
		[]string{"result"},
	)

	// OriginFetchDuration observes origin fetch latency in seconds.
	OriginFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "caching_proxy_fetch_duration_seconds",
		Help:    "Origin fetch duration in seconds.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// CollapsedRequests counts requests that waited for a fetch started by another request.
	CollapsedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caching_proxy_collapsed_total",
		Help: "Total number of requests collapsed into an in-flight origin fetch.",
	})
)

// Observer forwards store events to the package metrics.
// It satisfies cache.Observer.
type Observer struct{}

func (Observer) Hit()       { CacheHits.Inc() }
func (Observer) Miss()      { CacheMisses.Inc() }
func (Observer) Eviction()  { CacheEvictions.Inc() }
func (Observer) Expire()    { CacheExpirations.Inc() }
func (Observer) Size(n int) { CacheEntries.Set(float64(n)) }
