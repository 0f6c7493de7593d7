package blockmap

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultShardCount = 16

// Counters is a point-in-time view of the registry's aggregate counts.
type Counters struct {
	Files                int64 `json:"files"`
	Blocks               int64 `json:"blocks"`
	Corrupt              int64 `json:"corrupt"`
	PendingReplication   int64 `json:"pending_replication"`
	ScheduledReplication int64 `json:"scheduled_replication"`
	Excess               int64 `json:"excess"`
	PendingDeletion      int64 `json:"pending_deletion"`
	UnderReplicated      int64 `json:"under_replicated"`
	Missing              int64 `json:"missing"`
}

// counterSet holds the incrementally maintained aggregate counters.
// All fields are atomics so the aggregator reads them without taking
// any registry lock.
type counterSet struct {
	files           atomic.Int64
	blocks          atomic.Int64
	corrupt         atomic.Int64
	pendingRepl     atomic.Int64
	scheduledRepl   atomic.Int64
	excess          atomic.Int64
	pendingDeletion atomic.Int64
	underReplicated atomic.Int64
	missing         atomic.Int64
}

func (c *counterSet) snapshot() Counters {
	return Counters{
		Files:                c.files.Load(),
		Blocks:               c.blocks.Load(),
		Corrupt:              c.corrupt.Load(),
		PendingReplication:   c.pendingRepl.Load(),
		ScheduledReplication: c.scheduledRepl.Load(),
		Excess:               c.excess.Load(),
		PendingDeletion:      c.pendingDeletion.Load(),
		UnderReplicated:      c.underReplicated.Load(),
		Missing:              c.missing.Load(),
	}
}

// applyDelta adjusts the flag counters for one block moving from flags
// old to flags new. Bools are folded to 0/1 so the arithmetic stays
// branch-free per counter.
func (c *counterSet) applyDelta(old, new blockFlags) {
	if d := b2i(new.corrupt) - b2i(old.corrupt); d != 0 {
		c.corrupt.Add(d)
	}
	if d := b2i(new.pendingRepl) - b2i(old.pendingRepl); d != 0 {
		c.pendingRepl.Add(d)
	}
	if d := b2i(new.scheduledRepl) - b2i(old.scheduledRepl); d != 0 {
		c.scheduledRepl.Add(d)
	}
	if d := b2i(new.excess) - b2i(old.excess); d != 0 {
		c.excess.Add(d)
	}
	if d := b2i(new.pendingDeletion) - b2i(old.pendingDeletion); d != 0 {
		c.pendingDeletion.Add(d)
	}
	if d := b2i(new.underReplicated) - b2i(old.underReplicated); d != 0 {
		c.underReplicated.Add(d)
	}
	if d := b2i(new.missing) - b2i(old.missing); d != 0 {
		c.missing.Add(d)
	}
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// shard is one partition of the block map with its own lock, so block
// mutations on different shards never contend.
type shard struct {
	mu     sync.Mutex
	blocks map[string]*Block
}

// Registry is the authoritative per-block replication-state store.
// Block mutations are linearizable per block (the owning shard lock is
// held for the whole mutation); cross-block operations carry no global
// ordering. Aggregate counters are maintained incrementally and read
// lock-free.
type Registry struct {
	logger zerolog.Logger

	shards    []*shard
	shardMask uint32

	filesMu sync.RWMutex
	files   map[string]*file

	counters counterSet

	nodes nodeTable
}

// NewRegistry creates an empty registry with the given shard count.
// Shard counts that are not a positive power of two fall back to the
// default.
func NewRegistry(shardCount int, logger zerolog.Logger) *Registry {
	if shardCount <= 0 || shardCount&(shardCount-1) != 0 {
		shardCount = defaultShardCount
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{blocks: make(map[string]*Block)}
	}
	return &Registry{
		logger:    logger.With().Str("component", "blockmap").Logger(),
		shards:    shards,
		shardMask: uint32(shardCount - 1),
		files:     map[string]*file{},
		nodes:     nodeTable{load: map[string]int64{}},
	}
}

func (r *Registry) shardFor(blockID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(blockID))
	return r.shards[h.Sum32()&r.shardMask]
}

// AddFile registers a new file and creates one zero-replica block per
// entry in blockSizes. Replicas arrive later via ReplicaLocationsChanged
// as storage nodes report them. Returns the IDs of the created blocks
// in file order. The call is all-or-nothing: validation failures leave
// no state behind.
func (r *Registry) AddFile(fileID string, target int, blockSizes []int64) ([]string, error) {
	if fileID == "" {
		return nil, fmt.Errorf("add file: file ID cannot be empty")
	}
	if target < 1 {
		return nil, fmt.Errorf("add file %s: target %d: %w", fileID, target, ErrInvalidReplication)
	}

	r.filesMu.Lock()
	defer r.filesMu.Unlock()

	if _, exists := r.files[fileID]; exists {
		return nil, fmt.Errorf("add file %s: %w", fileID, ErrFileExists)
	}

	blockIDs := make([]string, 0, len(blockSizes))
	for _, size := range blockSizes {
		b := &Block{
			ID:       uuid.New().String(),
			FileID:   fileID,
			Target:   target,
			Size:     size,
			Replicas: map[string]struct{}{},
			Corrupt:  map[string]struct{}{},
		}
		s := r.shardFor(b.ID)
		s.mu.Lock()
		s.blocks[b.ID] = b
		s.mu.Unlock()

		r.counters.blocks.Add(1)
		r.counters.applyDelta(blockFlags{}, b.flags())
		blockIDs = append(blockIDs, b.ID)
	}

	r.files[fileID] = &file{id: fileID, target: target, blockIDs: blockIDs}
	r.counters.files.Add(1)

	r.logger.Debug().
		Str("file", fileID).
		Int("blocks", len(blockIDs)).
		Int("target", target).
		Msg("File added")

	return blockIDs, nil
}

// ReportReplicaCorrupt marks the replica of blockID on nodeID corrupt
// and recomputes the block's counter memberships. Reports for unknown
// blocks are a benign race with file deletion and return
// ErrBlockNotFound; reports naming a location that is not a replica of
// the block return ErrUnknownReplica.
func (r *Registry) ReportReplicaCorrupt(blockID, nodeID string) error {
	s := r.shardFor(blockID)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("corrupt report for block %s: %w", blockID, ErrBlockNotFound)
	}
	if _, known := b.Replicas[nodeID]; !known {
		return fmt.Errorf("corrupt report for block %s on node %s: %w", blockID, nodeID, ErrUnknownReplica)
	}
	if _, already := b.Corrupt[nodeID]; already {
		return nil
	}

	old := b.flags()
	b.Corrupt[nodeID] = struct{}{}
	r.counters.applyDelta(old, b.flags())

	r.logger.Debug().
		Str("block", blockID).
		Str("node", nodeID).
		Int("live", b.Live()).
		Str("state", b.State().String()).
		Msg("Replica marked corrupt")

	return nil
}

// SetFileReplication updates the target replication factor for the file
// and every block it owns. Lowering the target below the live replica
// count moves blocks into the excess and pending-deletion sets; raising
// it moves them into pending replication.
func (r *Registry) SetFileReplication(fileID string, target int) error {
	if target < 1 {
		return fmt.Errorf("set replication for %s: target %d: %w", fileID, target, ErrInvalidReplication)
	}

	r.filesMu.Lock()
	defer r.filesMu.Unlock()

	f, ok := r.files[fileID]
	if !ok {
		return fmt.Errorf("set replication for %s: %w", fileID, ErrFileNotFound)
	}
	if f.target == target {
		return nil
	}
	f.target = target

	for _, blockID := range f.blockIDs {
		s := r.shardFor(blockID)
		s.mu.Lock()
		if b, ok := s.blocks[blockID]; ok {
			old := b.flags()
			b.Target = target
			r.counters.applyDelta(old, b.flags())
		}
		s.mu.Unlock()
	}

	r.logger.Debug().
		Str("file", fileID).
		Int("target", target).
		Int("blocks", len(f.blockIDs)).
		Msg("Replication factor changed")

	return nil
}

// RemoveFile deletes the file and all its blocks, reversing their
// contributions to every counter. Removing a file that is not tracked
// is a no-op so concurrent deletions do not race into errors.
func (r *Registry) RemoveFile(fileID string) error {
	r.filesMu.Lock()
	defer r.filesMu.Unlock()

	f, ok := r.files[fileID]
	if !ok {
		return nil
	}
	delete(r.files, fileID)
	r.counters.files.Add(-1)

	for _, blockID := range f.blockIDs {
		s := r.shardFor(blockID)
		s.mu.Lock()
		if b, ok := s.blocks[blockID]; ok {
			r.counters.applyDelta(b.flags(), blockFlags{})
			r.counters.blocks.Add(-1)
			delete(s.blocks, blockID)
		}
		s.mu.Unlock()
	}

	r.logger.Debug().
		Str("file", fileID).
		Int("blocks", len(f.blockIDs)).
		Msg("File removed")

	return nil
}

// ReplicaLocationsChanged replaces the block's replica set with the
// locations a storage-node report says currently hold it. Corrupt
// flags survive only for locations still present, keeping the
// corrupt ⊆ replicas invariant.
func (r *Registry) ReplicaLocationsChanged(blockID string, locations []string) error {
	s := r.shardFor(blockID)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("replica report for block %s: %w", blockID, ErrBlockNotFound)
	}

	old := b.flags()

	replicas := make(map[string]struct{}, len(locations))
	for _, n := range locations {
		replicas[n] = struct{}{}
	}
	corrupt := make(map[string]struct{})
	for n := range b.Corrupt {
		if _, still := replicas[n]; still {
			corrupt[n] = struct{}{}
		}
	}
	b.Replicas = replicas
	b.Corrupt = corrupt

	r.counters.applyDelta(old, b.flags())

	r.logger.Debug().
		Str("block", blockID).
		Int("replicas", len(replicas)).
		Int("live", b.Live()).
		Msg("Replica locations updated")

	return nil
}

// BlockLocations returns the live replica locations for every block of
// the file, in file order.
func (r *Registry) BlockLocations(fileID string) ([][]string, error) {
	r.filesMu.RLock()
	f, ok := r.files[fileID]
	if !ok {
		r.filesMu.RUnlock()
		return nil, fmt.Errorf("block locations for %s: %w", fileID, ErrFileNotFound)
	}
	blockIDs := make([]string, len(f.blockIDs))
	copy(blockIDs, f.blockIDs)
	r.filesMu.RUnlock()

	locations := make([][]string, 0, len(blockIDs))
	for _, blockID := range blockIDs {
		s := r.shardFor(blockID)
		s.mu.Lock()
		var live []string
		if b, ok := s.blocks[blockID]; ok {
			for n := range b.Replicas {
				if _, bad := b.Corrupt[n]; !bad {
					live = append(live, n)
				}
			}
		}
		s.mu.Unlock()
		locations = append(locations, live)
	}
	return locations, nil
}

// GetBlock returns a copy of the block, or nil if it is not tracked.
func (r *Registry) GetBlock(blockID string) *Block {
	s := r.shardFor(blockID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks[blockID].Copy()
}

// FileBlocks returns the IDs of the file's blocks in file order.
func (r *Registry) FileBlocks(fileID string) ([]string, error) {
	r.filesMu.RLock()
	defer r.filesMu.RUnlock()
	f, ok := r.files[fileID]
	if !ok {
		return nil, fmt.Errorf("blocks of %s: %w", fileID, ErrFileNotFound)
	}
	out := make([]string, len(f.blockIDs))
	copy(out, f.blockIDs)
	return out, nil
}

// Counters returns the incrementally maintained aggregate counters.
// Lock-free; safe to call from the aggregation tick at any time.
func (r *Registry) Counters() Counters {
	return r.counters.snapshot()
}

// BlockCount returns the number of tracked blocks.
func (r *Registry) BlockCount() int {
	return int(r.counters.blocks.Load())
}

// FileCount returns the number of tracked files.
func (r *Registry) FileCount() int {
	return int(r.counters.files.Load())
}

// RecomputeCounters rebuilds every aggregate counter by a full scan.
// Shards are visited one at a time, so concurrent mutations on other
// shards proceed; the result is only exact when the registry is
// quiescent. It is the verification path for the incremental counters,
// never the source of truth.
func (r *Registry) RecomputeCounters() Counters {
	var c Counters

	r.filesMu.RLock()
	c.Files = int64(len(r.files))
	r.filesMu.RUnlock()

	for _, s := range r.shards {
		s.mu.Lock()
		for _, b := range s.blocks {
			c.Blocks++
			f := b.flags()
			c.Corrupt += b2i(f.corrupt)
			c.PendingReplication += b2i(f.pendingRepl)
			c.ScheduledReplication += b2i(f.scheduledRepl)
			c.Excess += b2i(f.excess)
			c.PendingDeletion += b2i(f.pendingDeletion)
			c.UnderReplicated += b2i(f.underReplicated)
			c.Missing += b2i(f.missing)
		}
		s.mu.Unlock()
	}
	return c
}

// VerifyCounters cross-checks the incremental counters against a full
// recompute. A mismatch means a state-transition bug, reported as
// ErrInvariantViolation. Only meaningful on a quiescent registry.
func (r *Registry) VerifyCounters() error {
	got := r.Counters()
	want := r.RecomputeCounters()
	if got != want {
		return fmt.Errorf("incremental %+v != recomputed %+v: %w", got, want, ErrInvariantViolation)
	}
	return nil
}
