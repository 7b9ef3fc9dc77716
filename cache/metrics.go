package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	layerMemory = "memory"
	layerStore  = "store"
)

var (
	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_hits_total",
		Help: "Image lookups answered from a cache layer",
	}, []string{"layer"})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_misses_total",
		Help: "Image lookups that required a network fetch",
	})
	fetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_fetch_failures_total",
		Help: "Network fetches or decodes that failed",
	})
	fallbacksServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_fallbacks_total",
		Help: "Lookups answered with the fallback image",
	})
	evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_evictions_total",
		Help: "Entries removed from the cache",
	}, []string{"reason"})
	memoryItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imagecache_memory_items",
		Help: "Images held in memory",
	})
)

func init() {
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(fetchFailures)
	prometheus.MustRegister(fallbacksServed)
	prometheus.MustRegister(evictions)
	prometheus.MustRegister(memoryItems)
}
