package resolver

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var resolverLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "resolver_lookups_total",
	Help: "Number of subject existence lookups",
}, []string{"backend", "kind", "result"})

var resolverCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "resolver_cache_hits_total",
	Help: "Number of subject lookups answered from cache",
})

func lookupResult(err error) string {
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}
