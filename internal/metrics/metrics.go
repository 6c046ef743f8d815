// Package metrics exposes Prometheus instrumentation for the monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for FetchesTotal.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

var (
	// FetchesTotal counts completed upstream fetches by outcome.
	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marktmonitor",
		Name:      "fetches_total",
		Help:      "Completed upstream fetches by outcome.",
	}, []string{"outcome"})

	// FetchRetriesTotal counts retry attempts against the marketplace.
	FetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marktmonitor",
		Name:      "fetch_retries_total",
		Help:      "Retried upstream fetch attempts.",
	})

	// ListingsPublishedTotal counts listings published on the listings channel.
	ListingsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marktmonitor",
		Name:      "listings_published_total",
		Help:      "New listings published to subscribers.",
	})

	// QueryFailuresTotal counts queries transitioned to FAILED.
	QueryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marktmonitor",
		Name:      "query_failures_total",
		Help:      "Monitored queries marked FAILED after an error.",
	})

	// ActiveQueries tracks the number of queries currently scheduled.
	ActiveQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marktmonitor",
		Name:      "active_queries",
		Help:      "Queries currently held in the schedule map.",
	})
)
