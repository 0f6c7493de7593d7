// Package blockmap tracks the replication health of every block the
// metadata server manages. It is the authoritative in-memory store of
// per-block replica state and maintains the aggregate counters the
// metrics aggregator publishes.
package blockmap

// State is the derived replication state of a block. It is a pure
// function of the block's target replication factor and its live and
// corrupt replica counts; it is never stored.
type State int

const (
	// StateHealthy means the live replica count equals the target.
	StateHealthy State = iota
	// StateUnderReplicated means the live replica count is below target.
	StateUnderReplicated
	// StateMissing means the block has zero live replicas.
	StateMissing
	// StateCorrupt means at least one replica is corrupt but at least
	// one live replica remains.
	StateCorrupt
	// StateExcess means the live replica count exceeds the target.
	StateExcess
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnderReplicated:
		return "under-replicated"
	case StateMissing:
		return "missing"
	case StateCorrupt:
		return "corrupt"
	case StateExcess:
		return "excess"
	default:
		return "unknown"
	}
}

// Block is one tracked block. Replicas is the full set of known replica
// locations; Corrupt is the subset reported damaged. Invariant:
// Corrupt ⊆ Replicas.
type Block struct {
	ID       string
	FileID   string
	Target   int
	Size     int64
	Replicas map[string]struct{}
	Corrupt  map[string]struct{}
}

// Live returns the number of non-corrupt replicas.
func (b *Block) Live() int {
	return len(b.Replicas) - len(b.Corrupt)
}

// State returns the derived replication state of the block.
func (b *Block) State() State {
	return deriveState(b.Target, len(b.Replicas), len(b.Corrupt))
}

// deriveState computes the single reporting state for a block.
// Missing takes priority over corrupt: a block with every replica bad
// is missing, not corrupt.
func deriveState(target, replicas, corrupt int) State {
	live := replicas - corrupt
	switch {
	case live == 0:
		return StateMissing
	case corrupt > 0:
		return StateCorrupt
	case live < target:
		return StateUnderReplicated
	case live > target:
		return StateExcess
	default:
		return StateHealthy
	}
}

// blockFlags is the set of counter memberships for a block. The
// memberships overlap (missing implies under-replicated), so they are
// independent predicates rather than a single state.
type blockFlags struct {
	corrupt         bool
	underReplicated bool
	missing         bool
	pendingRepl     bool
	scheduledRepl   bool
	excess          bool
	pendingDeletion bool
}

// flagsOf computes counter memberships from replica counts.
//
// A missing block has no replication source, so it is under-replicated
// but never pending. Replication and deletion work are assigned the
// moment a block needs them (replica placement is handled elsewhere),
// so scheduled mirrors pending and pending-deletion mirrors excess;
// scheduled ⊆ pending holds as equality.
func flagsOf(target, replicas, corrupt int) blockFlags {
	live := replicas - corrupt
	pending := live > 0 && live < target
	excess := live > target
	return blockFlags{
		corrupt:         corrupt > 0 && live > 0,
		underReplicated: live < target,
		missing:         live == 0,
		pendingRepl:     pending,
		scheduledRepl:   pending,
		excess:          excess,
		pendingDeletion: excess,
	}
}

// flags returns the block's current counter memberships.
func (b *Block) flags() blockFlags {
	return flagsOf(b.Target, len(b.Replicas), len(b.Corrupt))
}

// Copy returns a deep copy of the block for handing to callers.
func (b *Block) Copy() *Block {
	if b == nil {
		return nil
	}
	replicas := make(map[string]struct{}, len(b.Replicas))
	for n := range b.Replicas {
		replicas[n] = struct{}{}
	}
	corrupt := make(map[string]struct{}, len(b.Corrupt))
	for n := range b.Corrupt {
		corrupt[n] = struct{}{}
	}
	return &Block{
		ID:       b.ID,
		FileID:   b.FileID,
		Target:   b.Target,
		Size:     b.Size,
		Replicas: replicas,
		Corrupt:  corrupt,
	}
}

// file is the registry's view of a tracked file: its target replication
// factor and the ordered blocks it owns.
type file struct {
	id       string
	target   int
	blockIDs []string
}
