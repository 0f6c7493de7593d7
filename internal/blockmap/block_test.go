package blockmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name     string
		target   int
		replicas int
		corrupt  int
		want     State
	}{
		{"healthy at target", 2, 2, 0, StateHealthy},
		{"no replicas yet", 2, 0, 0, StateMissing},
		{"below target", 3, 2, 0, StateUnderReplicated},
		{"one of two corrupt", 2, 2, 1, StateCorrupt},
		{"sole replica corrupt", 1, 1, 1, StateMissing},
		{"all replicas corrupt", 2, 2, 2, StateMissing},
		{"above target", 1, 2, 0, StateExcess},
		{"corrupt wins over excess", 1, 3, 1, StateCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveState(tt.target, tt.replicas, tt.corrupt))
		})
	}
}

func TestFlagsOf(t *testing.T) {
	t.Run("healthy block has no memberships", func(t *testing.T) {
		assert.Equal(t, blockFlags{}, flagsOf(2, 2, 0))
	})

	t.Run("one of two replicas corrupt", func(t *testing.T) {
		f := flagsOf(2, 2, 1)
		assert.True(t, f.corrupt)
		assert.True(t, f.underReplicated)
		assert.True(t, f.pendingRepl)
		assert.True(t, f.scheduledRepl)
		assert.False(t, f.missing)
		assert.False(t, f.excess)
	})

	t.Run("missing block is not pending", func(t *testing.T) {
		f := flagsOf(1, 1, 1)
		assert.True(t, f.missing)
		assert.True(t, f.underReplicated)
		assert.False(t, f.pendingRepl)
		assert.False(t, f.corrupt) // every replica bad counts as missing, not corrupt
	})

	t.Run("excess implies pending deletion", func(t *testing.T) {
		f := flagsOf(1, 2, 0)
		assert.True(t, f.excess)
		assert.True(t, f.pendingDeletion)
		assert.False(t, f.underReplicated)
	})

	t.Run("scheduled is a subset of pending", func(t *testing.T) {
		for target := 1; target <= 4; target++ {
			for replicas := 0; replicas <= 5; replicas++ {
				for corrupt := 0; corrupt <= replicas; corrupt++ {
					f := flagsOf(target, replicas, corrupt)
					if f.scheduledRepl {
						assert.True(t, f.pendingRepl,
							"target=%d replicas=%d corrupt=%d", target, replicas, corrupt)
					}
					if f.missing {
						assert.True(t, f.underReplicated,
							"target=%d replicas=%d corrupt=%d", target, replicas, corrupt)
					}
				}
			}
		}
	})
}

func TestBlockState(t *testing.T) {
	b := &Block{
		ID:     "b1",
		FileID: "f1",
		Target: 2,
		Replicas: map[string]struct{}{
			"node1": {},
			"node2": {},
		},
		Corrupt: map[string]struct{}{},
	}
	assert.Equal(t, StateHealthy, b.State())
	assert.Equal(t, 2, b.Live())

	b.Corrupt["node1"] = struct{}{}
	assert.Equal(t, StateCorrupt, b.State())
	assert.Equal(t, 1, b.Live())
}

func TestBlockCopy(t *testing.T) {
	b := &Block{
		ID:       "b1",
		FileID:   "f1",
		Target:   2,
		Replicas: map[string]struct{}{"node1": {}},
		Corrupt:  map[string]struct{}{"node1": {}},
	}
	c := b.Copy()
	c.Replicas["node2"] = struct{}{}
	delete(c.Corrupt, "node1")

	assert.Len(t, b.Replicas, 1)
	assert.Len(t, b.Corrupt, 1)

	var nilBlock *Block
	assert.Nil(t, nilBlock.Copy())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "healthy", StateHealthy.String())
	assert.Equal(t, "under-replicated", StateUnderReplicated.String())
	assert.Equal(t, "missing", StateMissing.String())
	assert.Equal(t, "corrupt", StateCorrupt.String())
	assert.Equal(t, "excess", StateExcess.String())
	assert.Equal(t, "unknown", State(99).String())
}
