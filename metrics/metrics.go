// Package metrics exposes keybrokerd's Prometheus instrumentation,
// grounded on the teacher's metrics package (same CounterVec/HistogramVec/
// Gauge shapes, sync.Once init, promhttp.Handler) with the label sets
// replaced: command verb and result instead of SQL query shape and cache
// backend instead of replica.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommandTotal counts dispatched commands by verb and result
	// ("ok"/"err").
	CommandTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keybrokerd_command_total",
			Help: "Total number of commands processed",
		},
		[]string{"verb", "result"},
	)

	// CommandLatency tracks per-verb command processing latency.
	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keybrokerd_command_latency_seconds",
			Help:    "Command processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)

	// KeyboxCacheHits counts keybox backend-chain cache hits.
	KeyboxCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keybrokerd_keybox_cache_hits_total",
			Help: "Total number of keybox cache backend hits",
		},
		[]string{"backend"},
	)

	// KeyboxCacheMisses counts keybox backend-chain cache misses that fell
	// through to an on-disk or SQL backend.
	KeyboxCacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keybrokerd_keybox_cache_misses_total",
			Help: "Total number of keybox cache backend misses",
		},
		[]string{"backend"},
	)

	// PassphraseCacheHits counts GET_PASSPHRASE calls served from cache.
	PassphraseCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keybrokerd_passphrase_cache_hits_total",
			Help: "Total number of GET_PASSPHRASE calls served from cache",
		},
	)

	// PassphraseCacheMisses counts GET_PASSPHRASE calls that invoked the
	// ask service.
	PassphraseCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keybrokerd_passphrase_cache_misses_total",
			Help: "Total number of GET_PASSPHRASE calls that required prompting",
		},
	)

	// ActiveConnections is the current number of open client connections.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keybrokerd_active_connections",
			Help: "Current number of open client connections",
		},
	)

	// KeyboxWriteBatchSize tracks how many coalesced writes executed
	// together whenever the SQL keybox backend's write-batch manager
	// flushes a batch.
	KeyboxWriteBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keybrokerd_keybox_write_batch_size",
			Help:    "Number of write operations coalesced per executed batch",
			Buckets: prometheus.LinearBuckets(1, 4, 10),
		},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(CommandTotal)
		prometheus.MustRegister(CommandLatency)
		prometheus.MustRegister(KeyboxCacheHits)
		prometheus.MustRegister(KeyboxCacheMisses)
		prometheus.MustRegister(PassphraseCacheHits)
		prometheus.MustRegister(PassphraseCacheMisses)
		prometheus.MustRegister(ActiveConnections)
		prometheus.MustRegister(KeyboxWriteBatchSize)
	})
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
