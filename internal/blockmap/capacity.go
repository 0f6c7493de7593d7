package blockmap

// Block map capacity model. The published blockCapacity gauge mirrors
// the growth policy of an associative store that doubles whenever the
// entry count crosses capacity × loadFactor, so the value is
// deterministic from the entry count alone.
const (
	// DefaultInitialCapacity is the starting capacity of the block map.
	DefaultInitialCapacity = 16
	// DefaultLoadFactor is the fill fraction that triggers a doubling.
	DefaultLoadFactor = 0.75
)

// CapacityFor returns the capacity of the backing store after growing
// from initialCapacity to hold entryCount entries: the smallest
// initialCapacity·2^k with entryCount ≤ capacity × loadFactor.
// Out-of-range arguments fall back to the defaults.
func CapacityFor(entryCount int, loadFactor float64, initialCapacity int) int {
	if initialCapacity <= 0 {
		initialCapacity = DefaultInitialCapacity
	}
	if loadFactor <= 0 || loadFactor > 1 {
		loadFactor = DefaultLoadFactor
	}
	capacity := initialCapacity
	for float64(entryCount) > float64(capacity)*loadFactor {
		capacity <<= 1
	}
	return capacity
}
