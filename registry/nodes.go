package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

const DefaultPendingTimeout = 20 * time.Minute

// Terminator destroys cloud instances.
type Terminator interface {
	Terminate(ctx context.Context, instanceID string) (bool, error)
}

type NodeRegistryConfig struct {
	Logger *slog.Logger
	// PendingTimeout is how long a pending node may stay unconfirmed before it
	// is force-terminated.
	PendingTimeout time.Duration
}

// NodeRegistry tracks dynamic nodes by instance id, plus the nodes that were
// requested but not confirmed live yet.
type NodeRegistry struct {
	config NodeRegistryConfig
	log    *slog.Logger

	mutex   sync.Mutex
	nodes   map[string]*DynamicNode
	pending map[string]PendingNode
}

func NewNodeRegistry(config NodeRegistryConfig) *NodeRegistry {
	if config.PendingTimeout <= 0 {
		config.PendingTimeout = DefaultPendingTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &NodeRegistry{
		config:  config,
		log:     config.Logger,
		nodes:   make(map[string]*DynamicNode),
		pending: make(map[string]PendingNode),
	}
}

// Add tracks a node, replacing any node with the same instance id.
func (r *NodeRegistry) Add(node DynamicNode) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.nodes[node.InstanceID] = &node
}

// Get returns a copy of the tracked node.
func (r *NodeRegistry) Get(instanceID string) (DynamicNode, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if node, ok := r.nodes[instanceID]; ok {
		return *node, true
	}
	return DynamicNode{}, false
}

func (r *NodeRegistry) Exists(instanceID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	_, ok := r.nodes[instanceID]
	return ok
}

// List returns copies of all nodes, oldest first.
func (r *NodeRegistry) List() []DynamicNode {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return lo.Map(sortedNodes(r.nodes), func(node *DynamicNode, _ int) DynamicNode {
		return *node
	})
}

func (r *NodeRegistry) AddPending(node PendingNode) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.pending[node.InstanceID] = node
}

func (r *NodeRegistry) RemovePending(instanceID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.pending[instanceID]; !ok {
		return false
	}
	delete(r.pending, instanceID)
	return true
}

func (r *NodeRegistry) PendingExists(instanceID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	_, ok := r.pending[instanceID]
	return ok
}

func (r *NodeRegistry) IsPendingEmpty() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.pending) == 0
}

// Pending returns the pending nodes, oldest request first.
func (r *NodeRegistry) Pending() []PendingNode {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	pending := lo.Values(r.pending)
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].RequestedAt.Before(pending[j].RequestedAt)
	})
	return pending
}

// Sweep runs fn with exclusive access to the registry. Everything fn does
// through the transaction is atomic relative to other registry callers.
func (r *NodeRegistry) Sweep(fn func(tx *NodeTx)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	fn(&NodeTx{registry: r})
}

// ReapExpiredPending force-terminates pending nodes older than the pending
// timeout. They leave the pending set whatever the provisioner answers, so a
// stuck entry never blocks future scaling.
func (r *NodeRegistry) ReapExpiredPending(ctx context.Context, terminator Terminator, now time.Time) []string {
	r.mutex.Lock()
	var expired []string
	for id, pending := range r.pending {
		if now.Sub(pending.RequestedAt) <= r.config.PendingTimeout {
			continue
		}
		expired = append(expired, id)
		delete(r.pending, id)
		if node, ok := r.nodes[id]; ok {
			node.Terminate()
		}
	}
	r.mutex.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		r.log.Warn("Pending node never came online, terminating", "instance", id, "timeout", r.config.PendingTimeout)
		if ok, err := terminator.Terminate(ctx, id); err != nil || !ok {
			r.log.Error("Failed to terminate pending node", "instance", id, "error", err)
		}
	}
	return expired
}

// NodeTx gives access to the registry while its lock is held.
type NodeTx struct {
	registry *NodeRegistry
}

// Nodes returns the live node records, oldest first. Mutating them is only
// allowed inside the transaction.
func (tx *NodeTx) Nodes() []*DynamicNode {
	return sortedNodes(tx.registry.nodes)
}

func (tx *NodeTx) Get(instanceID string) (DynamicNode, bool) {
	if node, ok := tx.registry.nodes[instanceID]; ok {
		return *node, true
	}
	return DynamicNode{}, false
}

// Node returns the live record for in-place transitions.
func (tx *NodeTx) Node(instanceID string) (*DynamicNode, bool) {
	node, ok := tx.registry.nodes[instanceID]
	return node, ok
}

func (tx *NodeTx) Remove(instanceID string) bool {
	if _, ok := tx.registry.nodes[instanceID]; !ok {
		return false
	}
	delete(tx.registry.nodes, instanceID)
	return true
}

func sortedNodes(nodes map[string]*DynamicNode) []*DynamicNode {
	sorted := lo.Values(nodes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].StartDate.Equal(sorted[j].StartDate) {
			return sorted[i].InstanceID < sorted[j].InstanceID
		}
		return sorted[i].StartDate.Before(sorted[j].StartDate)
	})
	return sorted
}
