package blockmap

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(0, zerolog.Nop())
}

func TestRegistry_AddFile(t *testing.T) {
	reg := newTestRegistry(t)

	blockIDs, err := reg.AddFile("/tmp/t", 3, []int64{100, 100, 100})
	require.NoError(t, err)
	assert.Len(t, blockIDs, 3)

	c := reg.Counters()
	assert.Equal(t, int64(1), c.Files)
	assert.Equal(t, int64(3), c.Blocks)
	// Blocks start with zero replicas, so they are missing until the
	// storage nodes report in.
	assert.Equal(t, int64(3), c.Missing)
	assert.Equal(t, int64(3), c.UnderReplicated)
	assert.Equal(t, int64(0), c.PendingReplication)

	require.NoError(t, reg.VerifyCounters())
}

func TestRegistry_AddFile_Invalid(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.AddFile("/tmp/t", 0, []int64{100})
	assert.ErrorIs(t, err, ErrInvalidReplication)

	_, err = reg.AddFile("", 1, []int64{100})
	assert.Error(t, err)

	// Failed calls leave no state behind.
	c := reg.Counters()
	assert.Equal(t, int64(0), c.Files)
	assert.Equal(t, int64(0), c.Blocks)

	_, err = reg.AddFile("/tmp/t", 1, []int64{100})
	require.NoError(t, err)
	_, err = reg.AddFile("/tmp/t", 1, []int64{100})
	assert.ErrorIs(t, err, ErrFileExists)
}

func TestRegistry_ReplicaLocationsChanged(t *testing.T) {
	reg := newTestRegistry(t)

	blockIDs, err := reg.AddFile("/tmp/t", 2, []int64{100})
	require.NoError(t, err)
	blockID := blockIDs[0]

	require.NoError(t, reg.ReplicaLocationsChanged(blockID, []string{"node1", "node2"}))

	c := reg.Counters()
	assert.Equal(t, int64(0), c.Missing)
	assert.Equal(t, int64(0), c.UnderReplicated)

	b := reg.GetBlock(blockID)
	require.NotNil(t, b)
	assert.Equal(t, StateHealthy, b.State())

	// Losing a replica makes the block pending replication.
	require.NoError(t, reg.ReplicaLocationsChanged(blockID, []string{"node1"}))
	c = reg.Counters()
	assert.Equal(t, int64(1), c.UnderReplicated)
	assert.Equal(t, int64(1), c.PendingReplication)
	assert.Equal(t, int64(1), c.ScheduledReplication)

	assert.ErrorIs(t, reg.ReplicaLocationsChanged("no-such-block", []string{"node1"}), ErrBlockNotFound)
	require.NoError(t, reg.VerifyCounters())
}

func TestRegistry_ReplicaLocationsChanged_KeepsCorruptSubset(t *testing.T) {
	reg := newTestRegistry(t)

	blockIDs, err := reg.AddFile("/tmp/t", 2, []int64{100})
	require.NoError(t, err)
	blockID := blockIDs[0]

	require.NoError(t, reg.ReplicaLocationsChanged(blockID, []string{"node1", "node2"}))
	require.NoError(t, reg.ReportReplicaCorrupt(blockID, "node1"))

	// node1's corrupt flag survives a report that still lists node1.
	require.NoError(t, reg.ReplicaLocationsChanged(blockID, []string{"node1", "node2", "node3"}))
	b := reg.GetBlock(blockID)
	assert.Len(t, b.Corrupt, 1)
	assert.Equal(t, 2, b.Live())

	// Once node1 disappears from the replica set, its corrupt flag goes too.
	require.NoError(t, reg.ReplicaLocationsChanged(blockID, []string{"node2", "node3"}))
	b = reg.GetBlock(blockID)
	assert.Len(t, b.Corrupt, 0)
	assert.Equal(t, StateHealthy, b.State())

	require.NoError(t, reg.VerifyCounters())
}

func TestRegistry_CorruptionLifecycle(t *testing.T) {
	reg := newTestRegistry(t)

	// One file, one block, replication factor 2, both replicas live.
	blockIDs, err := reg.AddFile("/tmp/t", 2, []int64{100})
	require.NoError(t, err)
	blockID := blockIDs[0]
	require.NoError(t, reg.ReplicaLocationsChanged(blockID, []string{"node1", "node2"}))

	require.NoError(t, reg.ReportReplicaCorrupt(blockID, "node1"))

	c := reg.Counters()
	assert.Equal(t, int64(1), c.Corrupt)
	assert.Equal(t, int64(1), c.PendingReplication)
	assert.Equal(t, int64(1), c.ScheduledReplication)

	// Deleting the file returns every counter to zero.
	require.NoError(t, reg.RemoveFile("/tmp/t"))
	c = reg.Counters()
	assert.Equal(t, Counters{}, c)
	require.NoError(t, reg.VerifyCounters())
}

func TestRegistry_ReportReplicaCorrupt_Errors(t *testing.T) {
	reg := newTestRegistry(t)

	blockIDs, err := reg.AddFile("/tmp/t", 2, []int64{100})
	require.NoError(t, err)
	blockID := blockIDs[0]
	require.NoError(t, reg.ReplicaLocationsChanged(blockID, []string{"node1"}))

	assert.ErrorIs(t, reg.ReportReplicaCorrupt("no-such-block", "node1"), ErrBlockNotFound)
	assert.ErrorIs(t, reg.ReportReplicaCorrupt(blockID, "node9"), ErrUnknownReplica)

	// Duplicate reports are idempotent.
	require.NoError(t, reg.ReportReplicaCorrupt(blockID, "node1"))
	require.NoError(t, reg.ReportReplicaCorrupt(blockID, "node1"))
	assert.Equal(t, int64(1), reg.Counters().Missing)
	require.NoError(t, reg.VerifyCounters())
}

func TestRegistry_MissingLifecycle(t *testing.T) {
	reg := newTestRegistry(t)

	// Replication factor 1; corrupting the sole replica makes the block
	// missing and under-replicated but not pending (no source to copy from).
	blockIDs, err := reg.AddFile("/tmp/t", 1, []int64{100})
	require.NoError(t, err)
	blockID := blockIDs[0]
	require.NoError(t, reg.ReplicaLocationsChanged(blockID, []string{"node1"}))
	require.NoError(t, reg.ReportReplicaCorrupt(blockID, "node1"))

	c := reg.Counters()
	assert.Equal(t, int64(1), c.UnderReplicated)
	assert.Equal(t, int64(1), c.Missing)
	assert.Equal(t, int64(0), c.Corrupt)
	assert.Equal(t, int64(0), c.PendingReplication)

	require.NoError(t, reg.RemoveFile("/tmp/t"))
	assert.Equal(t, int64(0), reg.Counters().UnderReplicated)
	require.NoError(t, reg.VerifyCounters())
}

func TestRegistry_SetFileReplication(t *testing.T) {
	reg := newTestRegistry(t)

	blockIDs, err := reg.AddFile("/tmp/t", 2, []int64{100})
	require.NoError(t, err)
	blockID := blockIDs[0]
	require.NoError(t, reg.ReplicaLocationsChanged(blockID, []string{"node1", "node2"}))

	t.Run("lowering target creates excess", func(t *testing.T) {
		require.NoError(t, reg.SetFileReplication("/tmp/t", 1))
		c := reg.Counters()
		assert.Equal(t, int64(1), c.Excess)
		assert.Equal(t, int64(1), c.PendingDeletion)
		assert.Equal(t, int64(0), c.UnderReplicated)
	})

	t.Run("raising target creates pending replication", func(t *testing.T) {
		require.NoError(t, reg.SetFileReplication("/tmp/t", 3))
		c := reg.Counters()
		assert.Equal(t, int64(0), c.Excess)
		assert.Equal(t, int64(1), c.PendingReplication)
		assert.Equal(t, int64(1), c.UnderReplicated)
	})

	t.Run("errors", func(t *testing.T) {
		assert.ErrorIs(t, reg.SetFileReplication("/tmp/t", 0), ErrInvalidReplication)
		assert.ErrorIs(t, reg.SetFileReplication("/no/such/file", 2), ErrFileNotFound)
	})

	require.NoError(t, reg.VerifyCounters())
}

func TestRegistry_RemoveFile_Idempotent(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.AddFile("/tmp/t", 2, []int64{100, 100})
	require.NoError(t, err)

	require.NoError(t, reg.RemoveFile("/tmp/t"))
	require.NoError(t, reg.RemoveFile("/tmp/t")) // second remove is a no-op

	c := reg.Counters()
	assert.Equal(t, int64(0), c.Files)
	assert.Equal(t, int64(0), c.Blocks)
	require.NoError(t, reg.VerifyCounters())
}

func TestRegistry_BlockLocations(t *testing.T) {
	reg := newTestRegistry(t)

	blockIDs, err := reg.AddFile("/tmp/t", 2, []int64{100, 100})
	require.NoError(t, err)
	require.NoError(t, reg.ReplicaLocationsChanged(blockIDs[0], []string{"node1", "node2"}))
	require.NoError(t, reg.ReplicaLocationsChanged(blockIDs[1], []string{"node2"}))
	require.NoError(t, reg.ReportReplicaCorrupt(blockIDs[0], "node1"))

	locs, err := reg.BlockLocations("/tmp/t")
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.ElementsMatch(t, []string{"node2"}, locs[0]) // corrupt node1 excluded
	assert.ElementsMatch(t, []string{"node2"}, locs[1])

	_, err = reg.BlockLocations("/no/such/file")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestRegistry_FileBlocks(t *testing.T) {
	reg := newTestRegistry(t)

	blockIDs, err := reg.AddFile("/tmp/t", 1, []int64{100, 100, 100})
	require.NoError(t, err)

	got, err := reg.FileBlocks("/tmp/t")
	require.NoError(t, err)
	assert.Equal(t, blockIDs, got)

	_, err = reg.FileBlocks("/gone")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestRegistry_NodeLoad(t *testing.T) {
	reg := newTestRegistry(t)

	reg.SetNodeLoad("node1", 2)
	reg.SetNodeLoad("node2", 3)
	reg.SetNodeLoad("node2", 5) // heartbeat replaces, not adds
	reg.SetNodeLoad("", 100)    // ignored

	assert.Equal(t, int64(7), reg.TotalLoad())
	assert.Equal(t, 2, reg.NodeCount())

	reg.RemoveNode("node1")
	reg.RemoveNode("node1") // no-op
	assert.Equal(t, int64(5), reg.TotalLoad())
	assert.Equal(t, 1, reg.NodeCount())
}

// TestRegistry_RecomputeEquivalence drives the registry through a long
// pseudo-random mutation sequence and checks after every step that a
// full-scan recompute matches the incrementally maintained counters.
func TestRegistry_RecomputeEquivalence(t *testing.T) {
	reg := newTestRegistry(t)
	rng := rand.New(rand.NewSource(1))

	nodes := []string{"node1", "node2", "node3", "node4", "node5"}
	var files []string
	var blocks []string

	randomNodes := func() []string {
		n := rng.Intn(len(nodes) + 1)
		picked := make([]string, 0, n)
		for _, i := range rng.Perm(len(nodes))[:n] {
			picked = append(picked, nodes[i])
		}
		return picked
	}

	for step := 0; step < 500; step++ {
		switch op := rng.Intn(10); {
		case op < 3: // add file
			fileID := fmt.Sprintf("/f/%d", step)
			sizes := make([]int64, 1+rng.Intn(4))
			ids, err := reg.AddFile(fileID, 1+rng.Intn(3), sizes)
			require.NoError(t, err)
			files = append(files, fileID)
			blocks = append(blocks, ids...)
		case op < 6 && len(blocks) > 0: // replica report
			blockID := blocks[rng.Intn(len(blocks))]
			err := reg.ReplicaLocationsChanged(blockID, randomNodes())
			if err != nil {
				require.ErrorIs(t, err, ErrBlockNotFound)
			}
		case op < 8 && len(blocks) > 0: // corrupt report
			blockID := blocks[rng.Intn(len(blocks))]
			nodeID := nodes[rng.Intn(len(nodes))]
			err := reg.ReportReplicaCorrupt(blockID, nodeID)
			if err != nil {
				require.True(t, errors.Is(err, ErrBlockNotFound) || errors.Is(err, ErrUnknownReplica))
			}
		case op < 9 && len(files) > 0: // change replication
			fileID := files[rng.Intn(len(files))]
			err := reg.SetFileReplication(fileID, 1+rng.Intn(4))
			if err != nil {
				require.ErrorIs(t, err, ErrFileNotFound)
			}
		case len(files) > 0: // remove file
			i := rng.Intn(len(files))
			require.NoError(t, reg.RemoveFile(files[i]))
			files = append(files[:i], files[i+1:]...)
		}

		require.NoError(t, reg.VerifyCounters(), "diverged at step %d", step)
	}
}

// TestRegistry_ConcurrentMutation exercises the sharded lock paths
// under the race detector. Counters are verified once the mutators have
// quiesced.
func TestRegistry_ConcurrentMutation(t *testing.T) {
	reg := newTestRegistry(t)

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				fileID := fmt.Sprintf("/w%d/f%d", w, i)
				ids, err := reg.AddFile(fileID, 2, []int64{100, 100})
				if err != nil {
					continue
				}
				for _, id := range ids {
					_ = reg.ReplicaLocationsChanged(id, []string{"node1", "node2"})
					_ = reg.ReportReplicaCorrupt(id, "node1")
				}
				_ = reg.SetFileReplication(fileID, 3)
				if i%2 == 0 {
					_ = reg.RemoveFile(fileID)
				}
				_ = reg.Counters()
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, reg.VerifyCounters())
}
