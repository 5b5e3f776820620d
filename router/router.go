// Package router is the default submux.Router: CRC16 hash-slot routing
// across a fixed cluster topology, or a single shard for non-cluster
// deployments, plus the keyspace-notification broadcast heuristic.
package router

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/submux/submux"
)

// TopologyChangeNotifier is the subset of submux.Engine that Router needs:
// a callback driving spec.md §4.5's reattach(slot) for every hash slot
// that moved to a different shard. submux.Engine satisfies this directly.
type TopologyChangeNotifier interface {
	ReattachSlot(ctx context.Context, slot uint16, hashSlot func(submux.ChannelName) uint16)
}

// Node describes one backend partition: the shard identity the rest of
// submux addresses it by, and the range of cluster hash slots [Start,
// End] it owns. Single-node (non-cluster) deployments use one Node
// covering the full slot range.
type Node struct {
	Shard submux.ShardId
	Start uint16
	End   uint16 // inclusive
}

// Router is the default submux.Router. It is safe for concurrent use;
// SetTopology may be called at any time to reassign slot ranges (e.g. in
// response to a CLUSTER SHARDS poll), and the engine's reattach(slot)
// path is driven by diffing the old and new assignment for each slot.
type Router struct {
	mu       sync.RWMutex
	nodes    []Node // sorted by Start
	cluster  bool
	fallback submux.ShardId // the single shard used when !cluster
	shutdown atomic.Bool
	notifier TopologyChangeNotifier
}

// SetNotifier wires the engine whose reattach(slot) should be driven by
// future topology changes. Separate from NewCluster because the Engine and
// the Router it routes for are constructed together and each needs a
// reference to the other; the initial topology passed to NewCluster never
// triggers reattach regardless, since nothing is subscribed yet.
func (r *Router) SetNotifier(n TopologyChangeNotifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// New constructs a single-shard (non-cluster) Router: every channel
// routes to shard regardless of its hash. This is the common case for a
// standalone backend or a client-side sharded deployment where the
// caller's own router chooses the shard out of band.
func New(shard submux.ShardId) *Router {
	return &Router{cluster: false, fallback: shard}
}

// NewCluster constructs a Router covering the given nodes, hashing
// channel names to slots with the Redis Cluster CRC16 scheme.
func NewCluster(nodes []Node) *Router {
	r := &Router{cluster: true}
	r.SetTopology(nodes)
	return r
}

// SetTopology replaces the cluster's slot-to-shard assignment. Nodes are
// sorted by Start so ShardOf can binary-search them. If a notifier is
// wired and a previous topology was in effect, every hash slot whose owner
// changed drives the engine's reattach(slot) so channels hosted on the
// stale assignment migrate onto the node that now owns them.
func (r *Router) SetTopology(nodes []Node) {
	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	r.mu.Lock()
	old := r.nodes
	r.nodes = sorted
	notifier := r.notifier
	r.mu.Unlock()

	if notifier == nil || len(old) == 0 {
		// No previous topology to diff against: either reattach isn't
		// wired, or this is the initial assignment (nothing subscribed yet).
		return
	}
	notifyMovedSlots(notifier, old, sorted)
}

// notifyMovedSlots diffs old against the freshly-installed topology and
// drives reattach(slot) for every hash slot that now belongs to a
// different shard than it used to.
func notifyMovedSlots(notifier TopologyChangeNotifier, old, fresh []Node) {
	for slot := 0; slot < clusterSlotCount; slot++ {
		s := uint16(slot)
		oldShard, oldOK := nodeForSlotIn(old, s)
		newShard, newOK := nodeForSlotIn(fresh, s)
		if !newOK || (oldOK && oldShard == newShard) {
			continue
		}
		notifier.ReattachSlot(context.Background(), s, func(ch submux.ChannelName) uint16 {
			return hashSlot(hashKey(ch))
		})
	}
}

// nodeForSlotIn binary-searches nodes (sorted by Start) for the owner of
// slot, independent of any particular Router instance's current state —
// used to resolve both the old and the new assignment during a diff.
func nodeForSlotIn(nodes []Node, slot uint16) (submux.ShardId, bool) {
	i := sort.Search(len(nodes), func(i int) bool { return nodes[i].End >= slot })
	if i < len(nodes) && nodes[i].Start <= slot && slot <= nodes[i].End {
		return nodes[i].Shard, true
	}
	return "", false
}

// ShardOf resolves channel to a shard. Keyspace/keyevent notification
// channels are not hash-routed in cluster mode — callers fan those out
// across Shards() themselves (see Engine.PSubscribe); ShardOf still
// returns a single representative shard for them so a plain Subscribe on
// a notification channel has somewhere to go.
func (r *Router) ShardOf(channel submux.ChannelName) (submux.ShardId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.cluster {
		if r.fallback == "" {
			return "", false
		}
		return r.fallback, true
	}
	if len(r.nodes) == 0 {
		return "", false
	}

	slot := hashSlot(hashKey(channel))
	n := r.nodeForSlot(slot)
	if n == nil {
		return "", false
	}
	return n.Shard, true
}

// nodeForSlot binary-searches r.nodes (already sorted by Start, caller
// holds r.mu) for the node owning slot.
func (r *Router) nodeForSlot(slot uint16) *Node {
	i := sort.Search(len(r.nodes), func(i int) bool { return r.nodes[i].End >= slot })
	if i < len(r.nodes) && r.nodes[i].Start <= slot && slot <= r.nodes[i].End {
		return &r.nodes[i]
	}
	return nil
}

// hashKey extracts the hash-tag-aware routing key for channel; CRC16
// itself (with its own "{tag}" handling) lives in crc16.go.
func hashKey(channel submux.ChannelName) string { return string(channel) }

// Shards returns every shard currently in the topology: the single
// fallback shard for a non-cluster Router, or every distinct node shard
// for a cluster one. Used to fan a keyspace-notification pattern
// subscription out across the whole deployment.
func (r *Router) Shards() []submux.ShardId {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.cluster {
		if r.fallback == "" {
			return nil
		}
		return []submux.ShardId{r.fallback}
	}

	seen := make(map[submux.ShardId]bool, len(r.nodes))
	out := make([]submux.ShardId, 0, len(r.nodes))
	for _, n := range r.nodes {
		if !seen[n.Shard] {
			seen[n.Shard] = true
			out = append(out, n.Shard)
		}
	}
	return out
}

func (r *Router) IsCluster() bool { return r.cluster }

// IsShuttingDown reports whether Shutdown has been called. Checked by
// Engine.Subscribe (fails fast) and the reattach-connection retry loop
// (stops retrying).
func (r *Router) IsShuttingDown() bool { return r.shutdown.Load() }

// Shutdown marks the router as tearing down; IsShuttingDown begins
// reporting true immediately, and never reverts.
func (r *Router) Shutdown() { r.shutdown.Store(true) }

// shardedRouter distributes channels across a fixed list of independent,
// non-cluster-aware nodes by xxhash modulo the shard count — the
// client-side sharding scheme used when the backend itself has no notion
// of hash slots (plain standalone Redis nodes fronted by a consistent
// hashing layer), as opposed to NewCluster's CRC16 slot assignment for a
// real Redis Cluster topology.
type shardedRouter struct {
	shards   []submux.ShardId
	shutdown atomic.Bool
}

// NewSharded constructs a Router that spreads channels across a fixed
// set of non-cluster shards by xxhash, for deployments that shard
// client-side rather than relying on backend cluster slot ownership.
func NewSharded(shards []submux.ShardId) submux.Router {
	cp := make([]submux.ShardId, len(shards))
	copy(cp, shards)
	return &shardedRouter{shards: cp}
}

func (r *shardedRouter) ShardOf(channel submux.ChannelName) (submux.ShardId, bool) {
	if len(r.shards) == 0 {
		return "", false
	}
	idx := nonClusterHash(hashKey(channel)) % uint64(len(r.shards))
	return r.shards[idx], true
}

func (r *shardedRouter) Shards() []submux.ShardId {
	out := make([]submux.ShardId, len(r.shards))
	copy(out, r.shards)
	return out
}

func (r *shardedRouter) IsCluster() bool      { return false }
func (r *shardedRouter) IsShuttingDown() bool { return r.shutdown.Load() }
func (r *shardedRouter) Shutdown()            { r.shutdown.Store(true) }

// nonClusterHash backs shardedRouter's channel-to-shard distribution:
// xxhash gives better avalanche behavior than a naive sum-of-bytes
// modulus for the short, often-similar channel names pub/sub deals with.
func nonClusterHash(s string) uint64 { return xxhash.Sum64String(s) }
