package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockmesh/blockmesh/internal/blockmap"
	"github.com/blockmesh/blockmesh/internal/metrics"
)

const defaultTickInterval = 10 * time.Second

// Snapshot is one consistent set of published metric values. The
// aggregator publishes a complete snapshot atomically, so readers never
// see a files count from before a deletion paired with a block count
// from after it.
type Snapshot struct {
	Taken                     time.Time         `json:"taken"`
	Counters                  blockmap.Counters `json:"counters"`
	BlockCapacity             int               `json:"block_capacity"`
	TotalLoad                 int64             `json:"total_load"`
	GetBlockLocationsCurrent  int64             `json:"get_block_locations_current"`
	GetBlockLocationsPrevious int64             `json:"get_block_locations_previous"`
}

// Aggregator periodically materializes registry state into the metrics
// facade: it reads the aggregate counters, derives the block map
// capacity, rotates the interval counters, and publishes a snapshot.
type Aggregator struct {
	logger   zerolog.Logger
	registry *blockmap.Registry
	metrics  *metrics.TrackerMetrics

	interval        time.Duration
	loadFactor      float64
	initialCapacity int

	// deepVerify cross-checks the incremental counters against a full
	// recompute on every pass. Expensive; meant for tests.
	deepVerify bool

	// check validates the counter set before a pass publishes it.
	check func(blockmap.Counters) error

	// passMu serializes aggregation passes. The tick path uses TryLock
	// so a slow pass makes the next tick skip instead of pile up.
	passMu  sync.Mutex
	snap    atomic.Pointer[Snapshot]
	lastErr atomic.Pointer[error]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAggregator(registry *blockmap.Registry, m *metrics.TrackerMetrics, cfg Config, logger zerolog.Logger) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		logger:          logger.With().Str("component", "aggregator").Logger(),
		registry:        registry,
		metrics:         m,
		interval:        cfg.TickInterval,
		loadFactor:      cfg.LoadFactor,
		initialCapacity: cfg.InitialCapacity,
		deepVerify:      cfg.DeepVerify,
		check:           checkCounters,
		ctx:             ctx,
		cancel:          cancel,
	}
	a.snap.Store(&Snapshot{BlockCapacity: blockmap.CapacityFor(0, cfg.LoadFactor, cfg.InitialCapacity)})
	return a
}

// Start starts the periodic aggregation goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.run()
	a.logger.Info().Dur("interval", a.interval).Msg("Aggregator started")
}

// Stop stops scheduling further ticks and waits for the background
// goroutine to exit. A pass already running completes; no pending work
// is drained.
func (a *Aggregator) Stop() {
	a.cancel()
	a.wg.Wait()
	a.logger.Info().Msg("Aggregator stopped")
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick runs one aggregation pass unless the previous one is still
// running, in which case the tick is skipped to bound resource use.
func (a *Aggregator) tick() {
	if !a.passMu.TryLock() {
		a.metrics.UpdatesSkipped.Inc()
		a.logger.Warn().Msg("Aggregation pass still running, skipping tick")
		return
	}
	defer a.passMu.Unlock()

	if err := a.pass(); err != nil {
		a.logger.Error().Err(err).Msg("Aggregation pass failed")
	}
}

// ForceUpdate runs one synchronous aggregation pass outside the normal
// tick. It waits for any in-flight pass to finish first, so callers
// observe values at least as fresh as the call.
func (a *Aggregator) ForceUpdate() error {
	a.passMu.Lock()
	defer a.passMu.Unlock()
	return a.pass()
}

// pass runs one aggregation pass and records its outcome for Err.
// Callers must hold passMu.
func (a *Aggregator) pass() error {
	if err := a.runPass(); err != nil {
		a.lastErr.Store(&err)
		return err
	}
	a.lastErr.Store(nil)
	return nil
}

// runPass reads the registry, rotates the interval counters, and
// publishes the gauges and the snapshot.
func (a *Aggregator) runPass() error {
	counters := a.registry.Counters()

	// A negative derived count means the state-transition logic lost
	// track of a block. That is a bug, not a recoverable condition:
	// surface it and keep the last consistent snapshot rather than
	// clamping the value and hiding it.
	if err := a.check(counters); err != nil {
		return err
	}
	if a.deepVerify {
		if err := a.registry.VerifyCounters(); err != nil {
			return fmt.Errorf("aggregation pass: %w", err)
		}
	}

	capacity := blockmap.CapacityFor(int(counters.Blocks), a.loadFactor, a.initialCapacity)
	totalLoad := a.registry.TotalLoad()

	a.metrics.NumGetBlockLocations.Rotate()

	snap := &Snapshot{
		Taken:                     time.Now(),
		Counters:                  counters,
		BlockCapacity:             capacity,
		TotalLoad:                 totalLoad,
		GetBlockLocationsCurrent:  a.metrics.NumGetBlockLocations.Current(),
		GetBlockLocationsPrevious: a.metrics.NumGetBlockLocations.Previous(),
	}
	a.snap.Store(snap)
	a.publish(snap)
	a.metrics.UpdatesTotal.Inc()

	a.logger.Debug().
		Int64("files", counters.Files).
		Int64("blocks", counters.Blocks).
		Int("capacity", capacity).
		Msg("Aggregation pass completed")

	return nil
}

// publish mirrors a snapshot into the Prometheus gauges.
func (a *Aggregator) publish(s *Snapshot) {
	m := a.metrics
	m.FilesTotal.Set(float64(s.Counters.Files))
	m.BlocksTotal.Set(float64(s.Counters.Blocks))
	m.BlockCapacity.Set(float64(s.BlockCapacity))
	m.CorruptBlocks.Set(float64(s.Counters.Corrupt))
	m.PendingReplicationBlocks.Set(float64(s.Counters.PendingReplication))
	m.ScheduledReplicationBlocks.Set(float64(s.Counters.ScheduledReplication))
	m.ExcessBlocks.Set(float64(s.Counters.Excess))
	m.PendingDeletionBlocks.Set(float64(s.Counters.PendingDeletion))
	m.UnderReplicatedBlocks.Set(float64(s.Counters.UnderReplicated))
	m.MissingBlocks.Set(float64(s.Counters.Missing))
	m.TotalLoad.Set(float64(s.TotalLoad))
	m.GetBlockLocationsInterval.WithLabelValues("current").Set(float64(s.GetBlockLocationsCurrent))
	m.GetBlockLocationsInterval.WithLabelValues("previous").Set(float64(s.GetBlockLocationsPrevious))
}

// Snapshot returns the last published snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	return *a.snap.Load()
}

// Err reports the outcome of the most recent aggregation pass. A
// non-nil error means the pass did not publish and Snapshot still
// returns the last consistent values.
func (a *Aggregator) Err() error {
	if p := a.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// checkCounters rejects any negative aggregate count.
func checkCounters(c blockmap.Counters) error {
	for _, v := range []struct {
		name  string
		value int64
	}{
		{"files", c.Files},
		{"blocks", c.Blocks},
		{"corrupt", c.Corrupt},
		{"pending_replication", c.PendingReplication},
		{"scheduled_replication", c.ScheduledReplication},
		{"excess", c.Excess},
		{"pending_deletion", c.PendingDeletion},
		{"under_replicated", c.UnderReplicated},
		{"missing", c.Missing},
	} {
		if v.value < 0 {
			return fmt.Errorf("counter %s is %d: %w", v.name, v.value, blockmap.ErrInvariantViolation)
		}
	}
	return nil
}
