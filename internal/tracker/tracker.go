// Package tracker composes the block registry, the metrics facade, and
// the snapshot aggregator into the replication health tracker a
// metadata server embeds. Each Tracker is an independent instance;
// nothing here is process-global.
package tracker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockmesh/blockmesh/internal/blockmap"
	"github.com/blockmesh/blockmesh/internal/metrics"
)

// Config controls one tracker instance.
type Config struct {
	// Instance names this tracker in metric labels.
	Instance string
	// TickInterval is the period of the aggregation tick.
	TickInterval time.Duration
	// ShardCount is the number of registry shards (power of two).
	ShardCount int
	// InitialCapacity and LoadFactor parameterize the block map
	// capacity model.
	InitialCapacity int
	LoadFactor      float64
	// DeepVerify makes every aggregation pass cross-check the
	// incremental counters against a full recompute.
	DeepVerify bool
}

func (c Config) withDefaults() Config {
	if c.Instance == "" {
		c.Instance = "default"
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.InitialCapacity <= 0 {
		c.InitialCapacity = blockmap.DefaultInitialCapacity
	}
	if c.LoadFactor <= 0 || c.LoadFactor > 1 {
		c.LoadFactor = blockmap.DefaultLoadFactor
	}
	return c
}

// Tracker is the block replication health tracker. File and replica
// lifecycle events mutate the registry on the caller's goroutine;
// the aggregator publishes metric snapshots in the background.
type Tracker struct {
	logger     zerolog.Logger
	registry   *blockmap.Registry
	metrics    *metrics.TrackerMetrics
	aggregator *Aggregator
}

// New creates a stopped tracker. Call Start to begin periodic
// aggregation; events are accepted either way.
func New(cfg Config, logger zerolog.Logger) *Tracker {
	cfg = cfg.withDefaults()
	log := logger.With().Str("component", "tracker").Str("instance", cfg.Instance).Logger()
	registry := blockmap.NewRegistry(cfg.ShardCount, log)
	m := metrics.New(cfg.Instance)
	return &Tracker{
		logger:     log,
		registry:   registry,
		metrics:    m,
		aggregator: newAggregator(registry, m, cfg, log),
	}
}

// Start begins the periodic aggregation tick.
func (t *Tracker) Start() {
	t.aggregator.Start()
}

// Stop halts the aggregation tick and waits for it to exit.
func (t *Tracker) Stop() {
	t.aggregator.Stop()
}

// ForceUpdate runs one synchronous aggregation pass. Tests and the
// admin endpoint use it to observe converged values without waiting
// for a tick.
func (t *Tracker) ForceUpdate() error {
	return t.aggregator.ForceUpdate()
}

// Snapshot returns the last published metrics snapshot.
func (t *Tracker) Snapshot() Snapshot {
	return t.aggregator.Snapshot()
}

// Err reports the outcome of the most recent aggregation pass,
// including failures on background ticks. Non-nil means the snapshot
// is stale and the counter state needs operator attention.
func (t *Tracker) Err() error {
	return t.aggregator.Err()
}

// Metrics exposes the Prometheus facade for scraping.
func (t *Tracker) Metrics() *metrics.TrackerMetrics {
	return t.metrics
}

// Registry exposes the underlying block registry.
func (t *Tracker) Registry() *blockmap.Registry {
	return t.registry
}

// FileCreated records a new file and its blocks. Returns the IDs of
// the created blocks in file order.
func (t *Tracker) FileCreated(fileID string, target int, blockSizes []int64) ([]string, error) {
	return t.registry.AddFile(fileID, target, blockSizes)
}

// FileDeleted removes the file and its blocks. Idempotent.
func (t *Tracker) FileDeleted(fileID string) error {
	return t.registry.RemoveFile(fileID)
}

// ReplicationChanged updates the file's target replication factor.
func (t *Tracker) ReplicationChanged(fileID string, target int) error {
	return t.registry.SetFileReplication(fileID, target)
}

// ReplicaCorrupt records a corrupt-replica report. A report for a
// block that is no longer tracked is a benign race with deletion and
// is dropped; a report naming a location that never held the block is
// returned to the caller.
func (t *Tracker) ReplicaCorrupt(blockID, nodeID string) error {
	err := t.registry.ReportReplicaCorrupt(blockID, nodeID)
	if errors.Is(err, blockmap.ErrBlockNotFound) {
		t.logger.Debug().Str("block", blockID).Msg("Corrupt report for untracked block, ignoring")
		return nil
	}
	if errors.Is(err, blockmap.ErrUnknownReplica) {
		t.logger.Warn().Str("block", blockID).Str("node", nodeID).Msg("Corrupt report from non-replica location")
	}
	return err
}

// ReplicaSetUpdated records a storage-node report of the locations
// currently holding a block. Reports for untracked blocks are dropped
// as a benign race with deletion.
func (t *Tracker) ReplicaSetUpdated(blockID string, locations []string) error {
	err := t.registry.ReplicaLocationsChanged(blockID, locations)
	if errors.Is(err, blockmap.ErrBlockNotFound) {
		t.logger.Debug().Str("block", blockID).Msg("Replica report for untracked block, ignoring")
		return nil
	}
	return err
}

// NodeHeartbeat records the load a storage node reported.
func (t *Tracker) NodeHeartbeat(nodeID string, load int64) {
	t.registry.SetNodeLoad(nodeID, load)
}

// NodeGone removes a storage node from the load table.
func (t *Tracker) NodeGone(nodeID string) {
	t.registry.RemoveNode(nodeID)
}

// GetBlockLocations returns the live replica locations of every block
// of the file, in file order. Each call counts one block-location
// lookup in the current metrics interval, whether or not the file
// exists, matching the read-path accounting of the metadata server.
func (t *Tracker) GetBlockLocations(fileID string) ([][]string, error) {
	t.metrics.NumGetBlockLocations.Incr(1)
	return t.registry.BlockLocations(fileID)
}
