// Package metrics holds the externally visible counters and gauges for
// the block health tracker, published through Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TrackerMetrics holds all Prometheus metrics for one tracker instance.
// Each instance owns its own registry so independent trackers (and
// tests) never collide on metric registration.
type TrackerMetrics struct {
	registry *prometheus.Registry

	// Registry aggregate gauges, written by the aggregation tick.
	FilesTotal                 prometheus.Gauge
	BlocksTotal                prometheus.Gauge
	BlockCapacity              prometheus.Gauge
	CorruptBlocks              prometheus.Gauge
	PendingReplicationBlocks   prometheus.Gauge
	ScheduledReplicationBlocks prometheus.Gauge
	ExcessBlocks               prometheus.Gauge
	PendingDeletionBlocks      prometheus.Gauge
	UnderReplicatedBlocks      prometheus.Gauge
	MissingBlocks              prometheus.Gauge
	TotalLoad                  prometheus.Gauge

	// Interval windows of the read-path counter, labeled by window.
	GetBlockLocationsInterval *prometheus.GaugeVec

	// NumGetBlockLocations counts block-location lookups; the
	// aggregation tick rotates it and mirrors both windows into
	// GetBlockLocationsInterval.
	NumGetBlockLocations *IntervalCounter

	// Aggregation bookkeeping.
	UpdatesTotal   prometheus.Counter
	UpdatesSkipped prometheus.Counter
}

// New creates a tracker metrics set backed by a fresh registry.
// The instance label distinguishes multiple trackers in one process.
func New(instance string) *TrackerMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	constLabels := prometheus.Labels{
		"instance_name": instance,
	}

	return &TrackerMetrics{
		registry: registry,

		FilesTotal: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blockmesh_files_total",
			Help:        "Number of tracked files",
			ConstLabels: constLabels,
		}),
		BlocksTotal: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blockmesh_blocks_total",
			Help:        "Number of tracked blocks",
			ConstLabels: constLabels,
		}),
		BlockCapacity: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blockmesh_block_capacity",
			Help:        "Capacity of the block map backing store",
			ConstLabels: constLabels,
		}),
		CorruptBlocks: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blockmesh_corrupt_blocks",
			Help:        "Blocks with at least one corrupt replica and at least one live replica",
			ConstLabels: constLabels,
		}),
		PendingReplicationBlocks: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blockmesh_pending_replication_blocks",
			Help:        "Blocks below their target replication awaiting new replicas",
			ConstLabels: constLabels,
		}),
		ScheduledReplicationBlocks: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blockmesh_scheduled_replication_blocks",
			Help:        "Pending blocks with replication work already assigned",
			ConstLabels: constLabels,
		}),
		ExcessBlocks: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blockmesh_excess_blocks",
			Help:        "Blocks with more live replicas than their target",
			ConstLabels: constLabels,
		}),
		PendingDeletionBlocks: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blockmesh_pending_deletion_blocks",
			Help:        "Excess blocks with replica removal work already assigned",
			ConstLabels: constLabels,
		}),
		UnderReplicatedBlocks: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blockmesh_under_replicated_blocks",
			Help:        "Blocks with fewer live replicas than their target",
			ConstLabels: constLabels,
		}),
		MissingBlocks: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blockmesh_missing_blocks",
			Help:        "Blocks with zero live replicas",
			ConstLabels: constLabels,
		}),
		TotalLoad: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blockmesh_total_load",
			Help:        "Sum of the load reported by all live storage nodes",
			ConstLabels: constLabels,
		}),

		GetBlockLocationsInterval: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "blockmesh_get_block_locations_interval",
			Help:        "Block-location lookups in the current and previous aggregation intervals",
			ConstLabels: constLabels,
		}, []string{"window"}),

		NumGetBlockLocations: NewIntervalCounter(),

		UpdatesTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name:        "blockmesh_metric_updates_total",
			Help:        "Completed aggregation passes",
			ConstLabels: constLabels,
		}),
		UpdatesSkipped: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name:        "blockmesh_metric_updates_skipped_total",
			Help:        "Aggregation ticks skipped because a pass was still running",
			ConstLabels: constLabels,
		}),
	}
}

// Registry exposes the underlying Prometheus registry for scraping and
// for tests that gather metric families directly.
func (m *TrackerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving this instance's metrics.
func (m *TrackerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
