package blockmap

import "sync"

// nodeTable tracks the last load value reported by each live storage
// node. Load is whatever unit the storage layer reports (active
// transfer count); the registry only sums it.
type nodeTable struct {
	mu   sync.RWMutex
	load map[string]int64
}

// SetNodeLoad records the load a storage node reported in its latest
// heartbeat, registering the node if it is new.
func (r *Registry) SetNodeLoad(nodeID string, load int64) {
	if nodeID == "" {
		return
	}
	r.nodes.mu.Lock()
	defer r.nodes.mu.Unlock()
	r.nodes.load[nodeID] = load
}

// RemoveNode drops a storage node from the load table. Removing an
// unknown node is a no-op.
func (r *Registry) RemoveNode(nodeID string) {
	r.nodes.mu.Lock()
	defer r.nodes.mu.Unlock()
	delete(r.nodes.load, nodeID)
}

// TotalLoad returns the sum of the last reported load across all live
// storage nodes.
func (r *Registry) TotalLoad() int64 {
	r.nodes.mu.RLock()
	defer r.nodes.mu.RUnlock()
	var total int64
	for _, l := range r.nodes.load {
		total += l
	}
	return total
}

// NodeCount returns the number of live storage nodes.
func (r *Registry) NodeCount() int {
	r.nodes.mu.RLock()
	defer r.nodes.mu.RUnlock()
	return len(r.nodes.load)
}
