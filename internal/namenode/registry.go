package namenode

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hexasan/godfs/internal/common"
)

// Registry tracks cluster membership and per-node liveness. It owns the
// NodeRecord set; the metadata namespace is guarded separately so the
// two services never block each other.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[string]*common.NodeRecord
	timeout time.Duration

	// Latest sender timestamp per node, used only to discard reordered
	// heartbeats. LastHeartbeat always carries this registry's clock,
	// so the reaper never compares clocks across machines.
	sentAt map[string]time.Time

	onDead func(address string)

	now func() time.Time // injectable for tests
}

func NewRegistry(heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		nodes:   make(map[string]*common.NodeRecord),
		sentAt:  make(map[string]time.Time),
		timeout: heartbeatTimeout,
		now:     time.Now,
	}
}

// SetOnDead installs the callback invoked (outside the registry lock)
// with the address of every node the reaper flips to DEAD.
func (r *Registry) SetOnDead(fn func(address string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDead = fn
}

// Register creates or refreshes the record for address and returns the
// current cluster view. Registering twice is the same as registering
// once; a DEAD record is revived in place.
func (r *Registry) Register(address string) []common.NodeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[address]
	if !exists {
		node = &common.NodeRecord{Address: address}
		r.nodes[address] = node
	}
	node.LastHeartbeat = r.now()
	node.Status = common.NodeAlive
	// A restarted sender may have a reset clock; drop the old baseline.
	delete(r.sentAt, address)

	return r.snapshotLocked()
}

// Heartbeat refreshes liveness for an already-registered node. Unknown
// addresses fail with ErrUnknownNode so the datanode re-registers (the
// restart path). A heartbeat whose sender timestamp is not newer than
// the last one from the same node is discarded; liveness itself is
// stamped with this registry's clock, so sender clock skew cannot eat
// into the timeout.
func (r *Registry) Heartbeat(address string, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[address]
	if !exists {
		return common.ErrUnknownNode
	}
	if !sentAt.IsZero() {
		if !sentAt.After(r.sentAt[address]) {
			return nil
		}
		r.sentAt[address] = sentAt
	}
	node.LastHeartbeat = r.now()
	node.Status = common.NodeAlive
	return nil
}

func (r *Registry) AliveNodes() []common.NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var alive []common.NodeRecord
	for _, node := range r.nodes {
		if node.Status == common.NodeAlive {
			alive = append(alive, *node)
		}
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i].Address < alive[j].Address })
	return alive
}

// AliveSet returns the alive addresses as a set, for replica filtering.
func (r *Registry) AliveSet() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]bool, len(r.nodes))
	for addr, node := range r.nodes {
		if node.Status == common.NodeAlive {
			set[addr] = true
		}
	}
	return set
}

// Nodes returns every record, dead ones included.
func (r *Registry) Nodes() []common.NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []common.NodeRecord {
	nodes := make([]common.NodeRecord, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, *node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })
	return nodes
}

// Reap flips every stale ALIVE record to DEAD and notifies the planner
// of each transition. Staleness is decided on a snapshot, then applied
// under the lock, so records are never mutated mid-iteration.
func (r *Registry) Reap() []string {
	cutoff := r.now().Add(-r.timeout)

	r.mu.RLock()
	var stale []string
	for addr, node := range r.nodes {
		if node.Status == common.NodeAlive && node.LastHeartbeat.Before(cutoff) {
			stale = append(stale, addr)
		}
	}
	onDead := r.onDead
	r.mu.RUnlock()

	var dead []string
	r.mu.Lock()
	for _, addr := range stale {
		node := r.nodes[addr]
		// Re-check: a heartbeat may have arrived since the snapshot.
		if node != nil && node.Status == common.NodeAlive && node.LastHeartbeat.Before(cutoff) {
			node.Status = common.NodeDead
			dead = append(dead, addr)
		}
	}
	r.mu.Unlock()

	for _, addr := range dead {
		slog.Error("datanode considered dead", "address", addr, "heartbeatTimeout", r.timeout)
		if onDead != nil {
			onDead(addr)
		}
	}
	return dead
}

// StartReaper runs Reap every interval until the returned stop function
// is called. The interval should be at most half the heartbeat timeout.
func (r *Registry) StartReaper(interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				r.Reap()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
