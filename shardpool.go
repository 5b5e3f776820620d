package submux

// ShardPool holds the per-shard view of which ConnectionEntry values still
// have free subscription slots (a FIFO queue, so the longest-idle entry
// with slack is reused first) and which (channel, shard) keys are hosted
// on this shard. All mutation happens under the engine's global free-pool
// AsyncSemaphore; ShardPool itself holds no lock.
type ShardPool struct {
	shard       ShardId
	keys        map[subKey]struct{}
	freeEntries []*ConnectionEntry
}

func newShardPool(shard ShardId) *ShardPool {
	return &ShardPool{
		shard: shard,
		keys:  make(map[subKey]struct{}),
	}
}

// peekFree returns the head of the free queue without removing it.
func (p *ShardPool) peekFree() (*ConnectionEntry, bool) {
	if len(p.freeEntries) == 0 {
		return nil, false
	}
	return p.freeEntries[0], true
}

// popFree removes the head of the free queue (called once an entry's
// tryAcquire drops it to zero free slots, per invariant R4).
func (p *ShardPool) popFree() {
	if len(p.freeEntries) == 0 {
		return
	}
	p.freeEntries = p.freeEntries[1:]
}

// pushFree enqueues entry at the tail of the free queue if it is not
// already present.
func (p *ShardPool) pushFree(e *ConnectionEntry) {
	for _, have := range p.freeEntries {
		if have == e {
			return
		}
	}
	p.freeEntries = append(p.freeEntries, e)
}

// removeFree drops entry from the free queue wherever it sits, used when
// an entry is torn down entirely (its last subscription removed) or
// reclaimed by the reattach-on-connection-loss path.
func (p *ShardPool) removeFree(e *ConnectionEntry) {
	for i, have := range p.freeEntries {
		if have == e {
			p.freeEntries = append(p.freeEntries[:i], p.freeEntries[i+1:]...)
			return
		}
	}
}

func (p *ShardPool) addKey(key subKey)    { p.keys[key] = struct{}{} }
func (p *ShardPool) removeKey(key subKey) { delete(p.keys, key) }
func (p *ShardPool) keyCount() int        { return len(p.keys) }
