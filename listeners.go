package submux

import "context"

// RemoveListener implements spec.md §4.4: detach one Listener from
// (channel, kind) and, only once that channel's listener count has
// dropped to zero, issue the underlying unsubscribe/punsubscribe. A
// channel with other listeners still attached stays live on the wire.
//
// Notification-channel patterns were fanned out across every shard by
// PSubscribe; RemoveListener resolves the same set of shards here and
// only unsubscribes a given shard once that shard's local listener count
// reaches zero, combining every shard's completion into the one future
// the caller observes.
func (e *Engine) RemoveListener(ctx context.Context, kind SubscriptionKind, channel ChannelName, listener *Listener) error {
	return e.removeListener(ctx, kind, channel, func(entry *ConnectionEntry) int {
		return entry.detachListeners(channel, []*Listener{listener})
	})
}

// RemoveListenerByID is RemoveListener's ListenerID-only counterpart, for
// a caller that detaches without retaining the *Listener value itself —
// the usage spec.md §3 describes ListenerID for.
func (e *Engine) RemoveListenerByID(ctx context.Context, kind SubscriptionKind, channel ChannelName, id ListenerID) error {
	return e.removeListener(ctx, kind, channel, func(entry *ConnectionEntry) int {
		return entry.detachListenerByID(channel, id)
	})
}

// removeListener resolves the shard(s) hosting channel and applies detach
// on each, issuing an unsubscribe on any shard whose listener count drops
// to zero. Shared by RemoveListener and RemoveListenerByID, which only
// differ in how they identify the listener to drop.
func (e *Engine) removeListener(ctx context.Context, kind SubscriptionKind, channel ChannelName, detach func(*ConnectionEntry) int) error {
	shards, err := e.shardsFor(channel)
	if err != nil {
		return err
	}

	if len(shards) == 1 {
		return e.removeListenerOnShard(ctx, kind, channel, shards[0], detach)
	}

	errs := make(chan error, len(shards))
	for _, shard := range shards {
		shard := shard
		go func() { errs <- e.removeListenerOnShard(ctx, kind, channel, shard, detach) }()
	}
	var firstErr error
	for range shards {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// shardsFor resolves the shard(s) a channel's listeners are distributed
// across: every shard for a notification pattern in cluster mode, or the
// single shard the Router names otherwise.
func (e *Engine) shardsFor(channel ChannelName) ([]ShardId, error) {
	if channel.IsNotification() && e.router.IsCluster() {
		shards := e.router.Shards()
		if len(shards) == 0 {
			return nil, ErrNodeNotFound
		}
		return shards, nil
	}
	shard, ok := e.router.ShardOf(channel)
	if !ok {
		return nil, ErrNodeNotFound
	}
	return []ShardId{shard}, nil
}

// removeListenerOnShard applies detach to (channel, shard)'s entry and
// triggers an unsubscribe once no listeners remain there.
func (e *Engine) removeListenerOnShard(ctx context.Context, kind SubscriptionKind, channel ChannelName, shard ShardId, detach func(*ConnectionEntry) int) error {
	key := subKey{channel, shard}
	sem := e.channelLocks.stripe(channel)

	sem.Lock()
	entry, ok := e.registry.Get(key)
	if !ok {
		sem.Unlock()
		return nil // nothing hosted here: idempotent no-op, mirroring P5
	}
	remaining := detach(entry)
	sem.Unlock()
	if remaining > 0 {
		return nil
	}

	return e.unsubscribeOne(ctx, unsubscribeKindFor(kind), channel, shard)
}
