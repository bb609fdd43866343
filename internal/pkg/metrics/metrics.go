// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cicero"

var (
	// FunctionCalls counts transaction function invocations by outcome code.
	FunctionCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "functions",
		Name:      "calls_total",
		Help:      "Transaction function calls by function and result code.",
	}, []string{"function", "code"})

	// ActiveSubscriptions tracks live change feed subscriptions.
	ActiveSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "active_subscriptions",
		Help:      "Live change feed subscriptions by view.",
	}, []string{"view"})

	FeedPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "published_total",
		Help:      "Change events published by transport.",
	}, []string{"transport"})

	ResolverChunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "chunks_total",
		Help:      "User resolution chunk queries by result.",
	}, []string{"result"})

	ResolverCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "cache_hits_total",
		Help:      "User records served from the redis cache.",
	})
)

func collectorsList() []prometheus.Collector {
	return []prometheus.Collector{
		FunctionCalls,
		ActiveSubscriptions,
		FeedPublished,
		ResolverChunks,
		ResolverCacheHits,
	}
}

// Register adds the application collectors plus the go and process collectors
// to reg. Collectors already present in reg are left alone.
func Register(reg prometheus.Registerer) error {
	all := append(collectorsList(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves reg in the prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
