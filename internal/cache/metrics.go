package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var hits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agora_freshness_cache_hits_total",
	Help: "Freshness cache hits by key family",
}, []string{"family"})

var misses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agora_freshness_cache_misses_total",
	Help: "Freshness cache misses by key family",
}, []string{"family"})

var invalidations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "agora_freshness_cache_invalidations_total",
	Help: "Keys invalidated in the freshness cache",
})
