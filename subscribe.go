package submux

import (
	"context"
)

// Subscribe implements spec.md §4.2 for a literal channel. It resolves the
// shard, then drives subscribeOne; listeners attached before the ACK
// resolves all observe the entry once it completes.
func (e *Engine) Subscribe(ctx context.Context, codec Codec, channel ChannelName, listeners ...*Listener) (*ConnectionEntryHandle, error) {
	shard, ok := e.router.ShardOf(channel)
	if !ok {
		return nil, ErrNodeNotFound
	}
	entry, err := e.subscribeOne(ctx, KindSubscribe, codec, channel, shard, listeners, 0)
	if err != nil {
		return nil, err
	}
	return &ConnectionEntryHandle{entry: entry}, nil
}

// PSubscribe implements spec.md §4.2 for a pattern channel. Notification
// channels (__keyspace@/__keyevent@) fan out across every shard in
// cluster mode and return one handle per shard whose subscribe succeeded;
// shards that failed are left out, and an error is returned only when
// every shard failed. Everything else resolves to a single shard like
// Subscribe.
func (e *Engine) PSubscribe(ctx context.Context, codec Codec, channel ChannelName, listeners ...*Listener) ([]*ConnectionEntryHandle, error) {
	if channel.IsNotification() && e.router.IsCluster() {
		shards := e.router.Shards()
		if len(shards) == 0 {
			return nil, ErrNodeNotFound
		}
		return e.subscribeFanOut(ctx, codec, channel, listeners, shards)
	}

	shard, ok := e.router.ShardOf(channel)
	if !ok {
		return nil, ErrNodeNotFound
	}
	entry, err := e.subscribeOne(ctx, KindPSubscribe, codec, channel, shard, listeners, 0)
	if err != nil {
		return nil, err
	}
	return []*ConnectionEntryHandle{{entry: entry}}, nil
}

func (e *Engine) subscribeFanOut(ctx context.Context, codec Codec, channel ChannelName, listeners []*Listener, shards []ShardId) ([]*ConnectionEntryHandle, error) {
	type result struct {
		entry *ConnectionEntry
		err   error
	}
	results := make(chan result, len(shards))
	for _, shard := range shards {
		shard := shard
		go func() {
			entry, err := e.subscribeOne(ctx, KindPSubscribe, codec, channel, shard, listeners, 0)
			results <- result{entry, err}
		}()
	}

	handles := make([]*ConnectionEntryHandle, 0, len(shards))
	var firstErr error
	for range shards {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		handles = append(handles, &ConnectionEntryHandle{entry: r.entry})
	}
	if firstErr != nil && len(handles) == 0 {
		return nil, firstErr
	}
	return handles, nil
}

// subscribeOne drives one (channel, shard) subscription to completion.
// attempt counts connect retries consumed so far (0 on the caller's
// initial invocation).
func (e *Engine) subscribeOne(ctx context.Context, kind SubscriptionKind, codec Codec, channel ChannelName, shard ShardId, listeners []*Listener, attempt int) (*ConnectionEntry, error) {
	if e.router.IsShuttingDown() {
		return nil, ErrShutdown
	}

	key := subKey{channel, shard}
	sem := e.channelLocks.stripe(channel)
	sem.Lock()

	// Fast path (step 3): an entry already hosts this (channel, shard). If
	// the ACK already arrived, attach and return immediately — nothing
	// completes subscribeFuture a second time once completeFuture has
	// already forgotten it, so waiting on a fresh one here would hang.
	if entry, ok := e.registry.Get(key); ok {
		entry.attachListeners(kind, channel, listeners)
		if entry.hasChannel(kind, channel) {
			sem.Unlock()
			return entry, nil
		}
		fut := entry.subscribeFuture(kind, channel)
		sem.Unlock()
		return e.waitSubscribeAck(ctx, kind, channel, key, entry, fut, listeners)
	}

	// Slow path (step 4): try to reuse a free entry on this shard.
	e.poolLock.Lock()
	pool := e.shardPool(shard)
	freeEntry, hasFree := pool.peekFree()
	if !hasFree {
		e.poolLock.Unlock()
		sem.Unlock()
		// New-connection path (4.2a). The channel mutex is released for
		// the network round trip so an unrelated racer for the same
		// channel is not blocked on connect latency; registry.Insert's
		// CAS still resolves any duplicate-connection race below.
		return e.subscribeViaNewConnection(ctx, kind, codec, channel, shard, listeners, attempt)
	}

	remaining := freeEntry.tryAcquire()
	if remaining < 0 {
		e.poolLock.Unlock()
		sem.Unlock()
		return nil, &ErrInternalInvariantViolation{Detail: "tryAcquire on a ShardPool free entry returned -1"}
	}
	if !e.registry.Insert(key, freeEntry) {
		// Lost the race: someone else committed (channel, shard) first.
		freeEntry.release()
		e.poolLock.Unlock()
		sem.Unlock()
		return e.subscribeOne(ctx, kind, codec, channel, shard, listeners, attempt)
	}
	pool.addKey(key)
	if remaining == 0 {
		pool.popFree()
	}
	e.poolLock.Unlock()

	freeEntry.attachListeners(kind, channel, listeners)
	fut := freeEntry.subscribeFuture(kind, channel)
	sem.Unlock()

	e.sendSubscribeWire(kind, codec, channel, key, freeEntry, fut)

	return e.waitSubscribeAck(ctx, kind, channel, key, freeEntry, fut, listeners)
}

// subscribeViaNewConnection implements 4.2a including the retry loop of
// §4.2's "Retry" paragraph: each failed AcquirePubSub schedules a timer
// and re-enters the engine from step 2 (a fresh subscribeOne call), up to
// cfg.RetryAttempts.
func (e *Engine) subscribeViaNewConnection(ctx context.Context, kind SubscriptionKind, codec Codec, channel ChannelName, shard ShardId, listeners []*Listener, attempt int) (*ConnectionEntry, error) {
	conn, err := e.pool.AcquirePubSub(ctx, shard)
	if err != nil {
		attempt++
		if attempt >= e.cfg.RetryAttempts {
			return nil, &ErrConnectAttemptFailed{Attempts: attempt, Err: err}
		}
		if e.metrics != nil {
			e.metrics.observeConnectRetry()
		}

		retryDone := make(chan struct{})
		var retryEntry *ConnectionEntry
		var retryErr error
		timer := e.scheduler.After(e.cfg.RetryInterval, func() {
			retryEntry, retryErr = e.subscribeOne(ctx, kind, codec, channel, shard, listeners, attempt)
			close(retryDone)
		})
		select {
		case <-retryDone:
			return retryEntry, retryErr
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	// Success: re-acquire the per-channel mutex to commit the new entry
	// into the registry under the same channel-then-pool ordering as the
	// reused-free-entry path.
	key := subKey{channel, shard}
	sem := e.channelLocks.stripe(channel)
	sem.Lock()

	e.poolLock.Lock()
	entry := newConnectionEntry(e.newEntryID(), shard, conn, e.cfg.SubscriptionsPerConnection)
	remaining := entry.tryAcquire()
	pool := e.shardPool(shard)
	if !e.registry.Insert(key, entry) {
		// Someone else's connect for the same (channel, shard) won first;
		// discard this one and fall back to the fast path.
		e.poolLock.Unlock()
		sem.Unlock()
		e.pool.ReleasePubSub(shard, conn)
		return e.subscribeOne(ctx, kind, codec, channel, shard, listeners, attempt)
	}
	pool.addKey(key)
	if remaining > 0 {
		pool.pushFree(entry)
	}
	e.poolLock.Unlock()

	entry.attachListeners(kind, channel, listeners)
	fut := entry.subscribeFuture(kind, channel)
	sem.Unlock()

	e.sendSubscribeWire(kind, codec, channel, key, entry, fut)

	return e.waitSubscribeAck(ctx, kind, channel, key, entry, fut, listeners)
}

// waitSubscribeAck blocks until fut resolves or ctx is canceled first,
// whichever comes first. On cancellation it hands off to cancelSubscribe
// so a caller that gives up does not leave its listeners dangling or the
// registry pinned on a subscribe nobody still needs (spec.md §5
// "Cancellation").
func (e *Engine) waitSubscribeAck(ctx context.Context, kind SubscriptionKind, channel ChannelName, key subKey, entry *ConnectionEntry, fut *Future[struct{}], listeners []*Listener) (*ConnectionEntry, error) {
	select {
	case <-fut.Done():
		if _, err := fut.Wait(context.Background()); err != nil {
			return nil, err
		}
		return entry, nil
	case <-ctx.Done():
		e.cancelSubscribe(kind, channel, key, entry, listeners)
		return nil, ctx.Err()
	}
}

// cancelSubscribe handles a caller giving up on a pending subscribe: this
// call's own listeners are detached first, and the underlying subscribe is
// only rolled back — ACK watchdog stopped, registry/pool entry released,
// an unsubscribe issued in case the backend already accepted the command —
// if that leaves the channel with no listeners left and no ACK recorded
// yet. A subscribe other fast-path callers are still waiting on is left
// alone; their own waitSubscribeAck still observes the real outcome.
func (e *Engine) cancelSubscribe(kind SubscriptionKind, channel ChannelName, key subKey, entry *ConnectionEntry, listeners []*Listener) {
	sem := e.channelLocks.stripe(channel)
	sem.Lock()
	remaining := entry.detachListeners(channel, listeners)
	stillPending := !entry.hasChannel(kind, channel)
	sem.Unlock()

	if remaining > 0 || !stillPending {
		return
	}

	entry.stopWatchdog(kind, channel)
	e.cleanupFailedSubscribe(kind, channel, key, entry)
}

// sendSubscribeWire issues the SUBSCRIBE/PSUBSCRIBE command, arms the ACK
// watchdog (step 6), and resolves fut once the backend acknowledges (or
// the watchdog/wire failure fires first). It never blocks the caller;
// waitSubscribeAck is where the caller waits on fut.
func (e *Engine) sendSubscribeWire(kind SubscriptionKind, codec Codec, channel ChannelName, key subKey, entry *ConnectionEntry, fut *Future[struct{}]) {
	var wireFut WireFuture
	var err error
	if kind.IsPattern() {
		wireFut, err = entry.conn.PSubscribe(codec, channel)
	} else {
		wireFut, err = entry.conn.Subscribe(codec, channel)
	}
	if err != nil {
		e.cleanupFailedSubscribe(kind, channel, key, entry)
		entry.completeFuture(kind, channel, &ErrWireFailure{Err: err})
		return
	}

	timer := e.scheduler.After(e.cfg.Timeout, func() {
		entry.stopWatchdog(kind, channel)
		if e.metrics != nil {
			e.metrics.observeTimeout()
		}
		// Roll back before completing, as the wire-failure paths do, so a
		// caller that sees ErrSubscribeTimeout also sees the registry clean.
		e.cleanupFailedSubscribe(kind, channel, key, entry)
		// completeFuture no-ops if the ACK already won the race.
		entry.completeFuture(kind, channel, ErrSubscribeTimeout)
	})
	entry.setWatchdog(kind, channel, timer)

	go func() {
		ackErr := wireFut.Wait(context.Background())
		entry.stopWatchdog(kind, channel)
		if ackErr != nil {
			e.cleanupFailedSubscribe(kind, channel, key, entry)
			entry.completeFuture(kind, channel, ackErr)
			return
		}
		entry.recordChannel(kind, channel, codec)
		if e.metrics != nil {
			e.metrics.observeSubscribe()
		}
		entry.completeFuture(kind, channel, nil)
	}()
}

// cleanupFailedSubscribe rolls the registry/pool back for a subscribe that
// failed or timed out before its ACK arrived (state machine transition
// Subscribing -> Absent).
func (e *Engine) cleanupFailedSubscribe(kind SubscriptionKind, channel ChannelName, key subKey, entry *ConnectionEntry) {
	e.channelLocks.stripe(channel).Lock()
	defer e.channelLocks.stripe(channel).Unlock()

	if current, ok := e.registry.Get(key); !ok || current != entry {
		return // already cleaned up by a concurrent path
	}
	e.registry.Remove(key)
	entry.detachAllListeners(channel)

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

	// The backend may have partially accepted the command before the
	// failure/timeout; issue an unsubscribe so its view converges with
	// ours even though our local state has already moved on.
	if kind.IsPattern() {
		entry.conn.PUnsubscribe(channel)
	} else {
		entry.conn.Unsubscribe(channel)
	}
}
