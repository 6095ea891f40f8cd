// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TipSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletsync_tip_submissions_total",
		Help: "Tip submissions, labeled by result (succeeded, failed, invalid, ignored)",
	}, []string{"result"})

	BalanceReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletsync_balance_reloads_total",
		Help: "Canonical balance reloads from the remote API, labeled by result",
	}, []string{"result"})

	BalanceNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletsync_balance_notifications_total",
		Help: "Balance change notifications, labeled by source (publish, poller)",
	}, []string{"source"})

	StorageEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walletsync_storage_evictions_total",
		Help: "Keys removed by the LRU eviction pass",
	})

	StorageWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walletsync_storage_write_failures_total",
		Help: "Writes that failed even after the eviction retry",
	})

	StorageCorruptReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walletsync_storage_corrupt_reads_total",
		Help: "Reads that found unparseable or malformed values",
	})

	StorageUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "walletsync_storage_usage_bytes",
		Help: "Bytes used by namespaced keys at the last usage scan",
	})

	APIRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletsync_api_retries_total",
		Help: "Retried remote API calls, labeled by operation",
	}, []string{"operation"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletsync_http_requests_total",
		Help: "Local HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "walletsync_http_request_duration_seconds",
		Help:    "Latency distribution of local HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)
