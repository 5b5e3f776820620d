package submux

import "sync"

// SubscriptionRegistry is the global (ChannelName, ShardId) -> entry
// mapping: the authoritative answer to "who hosts this subscription"
// (invariant R2, uniqueness). Mutation is always performed with the
// relevant per-channel AsyncSemaphore held (and, for inserts racing a
// fresh connection, the free-pool semaphore too) — the registry's own
// mutex here only protects the Go map itself from concurrent map writes;
// it is not the source of the engine's logical exclusivity.
type SubscriptionRegistry struct {
	mu      sync.Mutex
	entries map[subKey]*ConnectionEntry
}

func newSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{entries: make(map[subKey]*ConnectionEntry)}
}

// Get looks up the entry hosting key, if any.
func (r *SubscriptionRegistry) Get(key subKey) (*ConnectionEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

// Insert commits (key -> entry) if key is not already taken. It reports
// whether the insert won; a caller that loses must release whatever
// capacity permit it already claimed on entry and fall back to the fast
// path against whoever won.
func (r *SubscriptionRegistry) Insert(key subKey, e *ConnectionEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return false
	}
	r.entries[key] = e
	return true
}

// Remove deletes key, if present.
func (r *SubscriptionRegistry) Remove(key subKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Size reports the number of hosted (channel, shard) pairs.
func (r *SubscriptionRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// snapshotForSlot returns every (key, entry) pair whose channel currently
// hashes into slot, for reattach(slot). hashSlot is supplied by the
// caller so the registry stays decoupled from any particular slotting
// scheme (the default lives in package router).
func (r *SubscriptionRegistry) snapshotForSlot(slot uint16, hashSlot func(ChannelName) uint16) []registryItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []registryItem
	for k, e := range r.entries {
		if hashSlot(k.channel) == slot {
			out = append(out, registryItem{key: k, entry: e})
		}
	}
	return out
}

// snapshotForEntry returns every registry key currently hosted on entry,
// for reattach(connection).
func (r *SubscriptionRegistry) snapshotForEntry(target *ConnectionEntry) []subKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []subKey
	for k, e := range r.entries {
		if e == target {
			out = append(out, k)
		}
	}
	return out
}

type registryItem struct {
	key   subKey
	entry *ConnectionEntry
}
