package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metrics of one filesystem instance. Metric instances are
// always usable, so callers never check for nil before recording.
type Registry struct {
	registry prometheus.Registerer

	// Cache metrics.
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	DirtyBlocks    prometheus.Gauge

	// Commit metrics.
	CommitsTotal    prometheus.Counter
	AbortsTotal     prometheus.Counter
	CommitDuration  prometheus.Histogram
	CommittedBlocks prometheus.Histogram

	// Allocator metrics.
	BlocksAllocated prometheus.Counter
	BlocksFreed     prometheus.Counter
	FreeBlocks      prometheus.Gauge
	FreeExtents     prometheus.Gauge

	// Integrity metrics.
	CorruptionsDetected prometheus.Counter
	RecoveriesTotal     prometheus.Counter
}

// New creates a metric registry. Each filesystem instance needs its own
// registerer, registering two instances against one registerer fails inside
// the prometheus client. A nil registerer keeps the metrics private to the
// process, which is what tests and short-lived tools want.
func New(registerer prometheus.Registerer) *Registry {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	r := &Registry{registry: registerer}
	r.initCacheMetrics()
	r.initCommitMetrics()
	r.initAllocMetrics()
	r.initIntegrityMetrics()
	return r
}

func (r *Registry) initCacheMetrics() {
	r.CacheHits = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "mellofs_cache_hits_total",
			Help: "Number of block reads served from the cache",
		},
	)

	r.CacheMisses = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "mellofs_cache_misses_total",
			Help: "Number of block reads served from the device",
		},
	)

	r.CacheEvictions = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "mellofs_cache_evictions_total",
			Help: "Number of clean blocks evicted from the cache",
		},
	)

	r.DirtyBlocks = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "mellofs_cache_dirty_blocks",
			Help: "Number of dirty blocks waiting for the next commit",
		},
	)
}

func (r *Registry) initCommitMetrics() {
	r.CommitsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "mellofs_commits_total",
			Help: "Number of committed transaction groups",
		},
	)

	r.AbortsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "mellofs_aborts_total",
			Help: "Number of aborted transaction groups",
		},
	)

	r.CommitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mellofs_commit_duration_seconds",
			Help:    "Commit duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	r.CommittedBlocks = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mellofs_commit_blocks",
			Help:    "Blocks written per commit",
			Buckets: []float64{1, 4, 16, 64, 256, 1024, 4096, 16384},
		},
	)
}

func (r *Registry) initAllocMetrics() {
	r.BlocksAllocated = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "mellofs_blocks_allocated_total",
			Help: "Number of blocks handed out by the allocator",
		},
	)

	r.BlocksFreed = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "mellofs_blocks_freed_total",
			Help: "Number of blocks returned to the allocator",
		},
	)

	r.FreeBlocks = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "mellofs_free_blocks",
			Help: "Number of free blocks",
		},
	)

	r.FreeExtents = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "mellofs_free_extents",
			Help: "Number of extents in the free space index, a fragmentation signal",
		},
	)
}

func (r *Registry) initIntegrityMetrics() {
	r.CorruptionsDetected = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "mellofs_corruptions_detected_total",
			Help: "Number of checksum or structural mismatches detected on reads",
		},
	)

	r.RecoveriesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "mellofs_recoveries_total",
			Help: "Number of recoveries performed on dirty mounts",
		},
	)
}
