// Package metrics defines the Prometheus collectors shared across the
// crawler and monitor components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CrawlPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "romarket_crawl_pages_total",
		Help: "Listing pages fetched, by outcome (success, rate_limited, error).",
	}, []string{"outcome"})

	CrawlItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "romarket_crawl_items_total",
		Help: "Items processed by the crawl engine, by kind (new, known, duplicate).",
	}, []string{"kind"})

	CrawlDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "romarket_crawl_duration_seconds",
		Help:    "Wall time of a full RunCrawl invocation.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	CrawlSessionsPartialTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "romarket_crawl_sessions_partial_total",
		Help: "Crawl sessions saved as partial (cancelled, rate limited or failed).",
	})

	DetailCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "romarket_detail_cache_lookups_total",
		Help: "Detail cache lookups, by result (hit, miss).",
	}, []string{"result"})

	RateLimitHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "romarket_rate_limit_hits_total",
		Help: "RateLimited responses received from the remote market API.",
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "romarket_ratelimit_timeout_total",
		Help: "Acquire attempts abandoned because the caller context expired.",
	})

	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "romarket_rate_limit_wait_seconds",
		Help:    "Time spent waiting on the local request pacer.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	MonitorRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "romarket_monitor_refresh_total",
		Help: "Monitor refreshes, by outcome (success, timeout, rate_limited, error).",
	}, []string{"outcome"})

	MonitorQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "romarket_monitor_queue_depth",
		Help: "Items currently queued for monitor refresh.",
	})

	AlarmSignalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "romarket_alarm_signals_total",
		Help: "Alarm notifications emitted.",
	})

	WatchMatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "romarket_watch_matches_total",
		Help: "Deals matched by watch criteria.",
	})
)
