package submux

import (
	"context"
	"time"
)

// reattachConnectionBackoff is the fixed retry interval for
// ReattachConnection's best-effort resubscribe loop, per spec.md §4.5:
// unlike a user-initiated subscribe's bounded RetryAttempts, a connection
// the engine itself lost retries forever since no caller is waiting on it.
const reattachConnectionBackoff = time.Second

// ReattachSlot implements spec.md §4.5's reattach(slot): called by the
// Router when cluster topology changes move a hash slot to a different
// node. Every (channel, shard) pair whose channel currently hashes into
// slot is torn down on its old entry and resubscribed against whatever
// shard the Router now names for it.
//
// Per the resolved Open Question (DESIGN.md), this runs serialized
// through the per-channel mutex of each affected channel rather than the
// global free-pool lock alone: a topology change racing a fresh user
// Subscribe for the same channel must not leave the registry pointing at
// a stale entry, and the per-channel mutex is already the engine's single
// source of truth for that ordering.
func (e *Engine) ReattachSlot(ctx context.Context, slot uint16, hashSlot func(ChannelName) uint16) {
	items := e.registry.snapshotForSlot(slot, hashSlot)
	for _, item := range items {
		e.reattachChannel(ctx, item.key, item.entry)
	}
}

// reattachChannel migrates one (channel, shard) pair from its old entry
// to whatever shard the Router currently names, preserving the codec and
// listeners that were attached to it.
func (e *Engine) reattachChannel(ctx context.Context, oldKey subKey, oldEntry *ConnectionEntry) {
	sem := e.channelLocks.stripe(oldKey.channel)
	sem.Lock()

	// Someone else already migrated or tore this down.
	if current, ok := e.registry.Get(oldKey); !ok || current != oldEntry {
		sem.Unlock()
		return
	}

	newShard, ok := e.router.ShardOf(oldKey.channel)
	if !ok || newShard == oldKey.shard {
		sem.Unlock()
		return
	}

	e.registry.Remove(oldKey)
	listeners := oldEntry.listenersFor(oldKey.channel)
	hosted := oldEntry.hostedChannels()
	oldEntry.detachAllListeners(oldKey.channel)
	sem.Unlock()

	e.poolLock.Lock()
	subscribed := oldEntry.release()
	oldPool := e.shardPool(oldKey.shard)
	oldPool.removeKey(oldKey)
	if subscribed == 0 {
		oldPool.removeFree(oldEntry)
		e.poolLock.Unlock()
		e.destroyEntry(oldEntry)
	} else {
		oldPool.pushFree(oldEntry)
		e.poolLock.Unlock()
		// The old connection keeps serving other channels: stop it
		// delivering this one (best effort, like cleanupFailedSubscribe).
		for _, h := range hosted {
			if h.channel != oldKey.channel {
				continue
			}
			oldEntry.forgetChannel(h.kind, h.channel)
			if h.kind == KindSubscribe {
				oldEntry.conn.Unsubscribe(h.channel)
			} else {
				oldEntry.conn.PUnsubscribe(h.channel)
			}
		}
	}

	for _, h := range hosted {
		if h.channel != oldKey.channel {
			continue
		}
		if h.kind == KindSubscribe {
			e.Subscribe(ctx, h.codec, h.channel, listeners...)
		} else {
			e.PSubscribe(ctx, h.codec, h.channel, listeners...)
		}
	}

	if e.metrics != nil {
		e.metrics.observeReattach()
	}
}

// NotifyConnectionLost is the entry point a BackendPool implementation
// calls when it observes a Connection die unexpectedly (transport read/
// write failure). It resolves conn back to the ConnectionEntry wrapping
// it and hands off to ReattachConnection; a conn that matches no entry
// (already torn down, or never registered) is silently ignored.
func (e *Engine) NotifyConnectionLost(conn Connection) {
	entry := e.findEntryByConnection(conn)
	if entry == nil {
		return
	}
	e.ReattachConnection(entry)
}

// findEntryByConnection scans every shard pool and the registry for the
// ConnectionEntry wrapping conn. O(n) in the number of live entries; this
// only runs on the rare connection-loss path, not the hot subscribe path.
func (e *Engine) findEntryByConnection(conn Connection) *ConnectionEntry {
	e.poolLock.Lock()
	defer e.poolLock.Unlock()

	e.shardMu.Lock()
	pools := make([]*ShardPool, 0, len(e.shardPools))
	for _, p := range e.shardPools {
		pools = append(pools, p)
	}
	e.shardMu.Unlock()

	for _, p := range pools {
		for _, ent := range p.freeEntries {
			if ent.conn == conn {
				return ent
			}
		}
	}
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	for _, ent := range e.registry.entries {
		if ent.conn == conn {
			return ent
		}
	}
	return nil
}

// ReattachConnection implements spec.md §4.5's reattach(connection): when
// the BackendPool reports a pub/sub connection lost (transport read/write
// failure, not a graceful close), every channel it hosted is resubscribed
// on a fresh connection. Unlike the user-initiated subscribe path, this
// retries forever at a fixed interval rather than giving up after
// cfg.RetryAttempts, since there is no caller waiting on a Future for it
// to report failure to.
func (e *Engine) ReattachConnection(lostEntry *ConnectionEntry) {
	hosted := lostEntry.hostedChannels()
	if len(hosted) == 0 {
		return
	}

	e.poolLock.Lock()
	pool := e.shardPool(lostEntry.Shard())
	pool.removeFree(lostEntry)
	for _, h := range hosted {
		pool.removeKey(subKey{h.channel, lostEntry.Shard()})
	}
	e.poolLock.Unlock()

	for _, h := range hosted {
		key := subKey{h.channel, lostEntry.Shard()}
		e.channelLocks.stripe(h.channel).Lock()
		if current, ok := e.registry.Get(key); ok && current == lostEntry {
			e.registry.Remove(key)
		}
		listeners := lostEntry.listenersFor(h.channel)
		e.channelLocks.stripe(h.channel).Unlock()

		go e.reattachConnectionRetry(h.kind, h.channel, h.codec, listeners)
	}

	if e.metrics != nil {
		e.metrics.observeReattach()
	}
}

// reattachConnectionRetry resubscribes (kind, channel) against whatever
// shard the Router now names for it (Subscribe/PSubscribe re-resolve the
// shard themselves), retrying indefinitely at a fixed backoff until the
// engine is shutting down.
func (e *Engine) reattachConnectionRetry(kind SubscriptionKind, channel ChannelName, codec Codec, listeners []*Listener) {
	ctx := context.Background()
	for {
		if e.router.IsShuttingDown() {
			return
		}
		var err error
		if kind == KindPSubscribe {
			_, err = e.PSubscribe(ctx, codec, channel, listeners...)
		} else {
			_, err = e.Subscribe(ctx, codec, channel, listeners...)
		}
		if err == nil {
			return
		}

		done := make(chan struct{})
		e.scheduler.After(reattachConnectionBackoff, func() { close(done) })
		<-done
	}
}
