package submux

import "context"

// Unsubscribe implements spec.md §4.3's forced removal of a literal channel
// from shard: every listener attached to it is dropped and the backend is
// told to stop delivering it, regardless of how many listeners were
// attached. Callers that only want to detach one listener should use
// RemoveListener instead.
func (e *Engine) Unsubscribe(ctx context.Context, channel ChannelName) error {
	shard, ok := e.router.ShardOf(channel)
	if !ok {
		return ErrNodeNotFound
	}
	return e.unsubscribeOne(ctx, KindUnsubscribe, channel, shard)
}

// PUnsubscribe is Unsubscribe's pattern-channel counterpart. Notification
// patterns fan the removal out across every shard the same way PSubscribe
// fanned the subscribe out.
func (e *Engine) PUnsubscribe(ctx context.Context, channel ChannelName) error {
	if channel.IsNotification() && e.router.IsCluster() {
		shards := e.router.Shards()
		errs := make(chan error, len(shards))
		for _, shard := range shards {
			shard := shard
			go func() { errs <- e.unsubscribeOne(ctx, KindPUnsubscribe, channel, shard) }()
		}
		var firstErr error
		for range shards {
			if err := <-errs; err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	shard, ok := e.router.ShardOf(channel)
	if !ok {
		return ErrNodeNotFound
	}
	return e.unsubscribeOne(ctx, KindPUnsubscribe, channel, shard)
}

// unsubscribeOne drives the teardown of one (channel, shard) pair
// regardless of listener count (spec §4.3's forced-removal variant).
// Idempotent per P5: a channel already absent from the registry returns
// success without touching the wire.
func (e *Engine) unsubscribeOne(ctx context.Context, kind SubscriptionKind, channel ChannelName, shard ShardId) error {
	key := subKey{channel, shard}
	sem := e.channelLocks.stripe(channel)

	sem.Lock()
	entry, ok := e.registry.Get(key)
	if !ok {
		sem.Unlock()
		return nil // already absent: idempotent no-op (P5)
	}
	e.registry.Remove(key)
	entry.detachAllListeners(channel)
	fut := entry.subscribeFuture(kind, channel)
	sem.Unlock()

	if e.router.IsShuttingDown() {
		// Shutdown short-circuits to success: the connection manager is
		// tearing down its connections anyway, so there is no backend to
		// notify.
		e.finishUnsubscribe(kind, key, entry)
		entry.completeFuture(kind, channel, nil)
		return nil
	}

	e.sendUnsubscribeWire(kind, channel, key, entry, fut)

	_, err := fut.Wait(ctx)
	return err
}

// sendUnsubscribeWire issues UNSUBSCRIBE/PUNSUBSCRIBE and arms the ACK
// watchdog. A wire send failure here is not retried the way subscribe's
// connect path is, and it arms no watchdog: local state is torn down at
// once and the unsubscribe completes successfully. The watchdog and its
// synthesized ACK only cover a send that succeeded but was never
// acknowledged.
func (e *Engine) sendUnsubscribeWire(kind SubscriptionKind, channel ChannelName, key subKey, entry *ConnectionEntry, fut *Future[struct{}]) {
	var wireFut WireFuture
	var err error
	if kind == KindPUnsubscribe {
		wireFut, err = entry.conn.PUnsubscribe(channel)
	} else {
		wireFut, err = entry.conn.Unsubscribe(channel)
	}
	if err != nil {
		// No retry: tear down local state immediately and let the
		// reattach-on-connection-loss path, if this was in fact a dead
		// connection, reconcile the rest.
		e.finishUnsubscribe(kind, key, entry)
		entry.completeFuture(kind, channel, nil)
		return
	}

	timer := e.scheduler.After(e.cfg.Timeout, func() {
		// The backend went silent; synthesize the ACK so the caller is
		// never blocked indefinitely on a channel this engine has already
		// forgotten locally.
		entry.conn.OnStatusMessage(kind, channel)
		if e.metrics != nil {
			e.metrics.observeTimeout()
		}
	})

	go func() {
		ackErr := wireFut.Wait(context.Background())
		timer.Stop()
		e.finishUnsubscribe(kind, key, entry)
		if e.metrics != nil {
			e.metrics.observeUnsubscribe()
		}
		entry.completeFuture(kind, channel, ackErr)
	}()
}

// finishUnsubscribe drops channel's wire-live bookkeeping and, if entry has
// no subscriptions left at all, returns its connection to the backend
// pool. Always called with no channel lock held (the registry entry was
// already removed by the caller).
func (e *Engine) finishUnsubscribe(kind SubscriptionKind, key subKey, entry *ConnectionEntry) {
	entry.forgetChannel(kind, key.channel)

	e.poolLock.Lock()
	subscribed := entry.release()
	pool := e.shardPool(entry.Shard())
	pool.removeKey(key)
	if subscribed == 0 {
		pool.removeFree(entry)
		e.poolLock.Unlock()
		e.destroyEntry(entry)
		return
	}
	pool.pushFree(entry)
	e.poolLock.Unlock()
}
