package submux

import "sync"

// futureKey identifies a pending subscribe/unsubscribe acknowledgement on
// an entry: one per (channel, kind).
type futureKey struct {
	channel ChannelName
	kind    SubscriptionKind
}

// ConnectionEntry wraps one physical pub/sub Connection and tracks its
// subscription bookkeeping: how many free slots remain against the
// configured cap, which channels/patterns are actually live on the wire,
// which Listeners are attached to each, and any in-flight subscribe/
// unsubscribe acknowledgement futures. Grounded on the teacher's
// pubsub.go Listener (subs/unsubs/channels maps) generalized to a shared,
// pooled connection instead of one Listener owning one connection.
type ConnectionEntry struct {
	id    uint64
	shard ShardId
	conn  Connection
	cap   int

	mu         sync.Mutex
	freeSlots  int
	literal    map[ChannelName]Codec
	pattern    map[ChannelName]Codec
	listeners  map[ChannelName][]*Listener
	subFutures map[futureKey]*Future[struct{}]
	watchdogs  map[futureKey]Timer
}

func newConnectionEntry(id uint64, shard ShardId, conn Connection, cap int) *ConnectionEntry {
	e := &ConnectionEntry{
		id:         id,
		shard:      shard,
		conn:       conn,
		cap:        cap,
		freeSlots:  cap,
		literal:    make(map[ChannelName]Codec),
		pattern:    make(map[ChannelName]Codec),
		listeners:  make(map[ChannelName][]*Listener),
		subFutures: make(map[futureKey]*Future[struct{}]),
		watchdogs:  make(map[futureKey]Timer),
	}
	conn.SetMessageHandler(e.dispatch)
	conn.SetPMessageHandler(e.dispatchPattern)
	return e
}

// tryAcquire claims one free slot. It returns the remaining free-slot
// count, or -1 if none was free — which invariant R4 says should never
// happen for an entry offered out of a ShardPool's free list.
func (e *ConnectionEntry) tryAcquire() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.freeSlots <= 0 {
		return -1
	}
	e.freeSlots--
	return e.freeSlots
}

// release returns one slot, up to cap. It reports the number of channels
// still subscribed (cap - freeSlots) after the release, which the
// ref-counted unsubscribe path uses to decide whether the underlying
// connection should be returned to the backend pool.
func (e *ConnectionEntry) release() (subscribed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.freeSlots < e.cap {
		e.freeSlots++
	}
	return e.subscribedLocked()
}

func (e *ConnectionEntry) subscribedLocked() int {
	return e.cap - e.freeSlots
}

// FreeSlots reports the current free-slot count.
func (e *ConnectionEntry) FreeSlots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freeSlots
}

// Subscribed reports how many channels/patterns are currently hosted.
func (e *ConnectionEntry) Subscribed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscribedLocked()
}

// Shard returns the shard this entry's connection belongs to.
func (e *ConnectionEntry) Shard() ShardId { return e.shard }

// attachListeners registers listeners in channel's bucket, deduplicating
// by pointer identity. There is one bucket per channel name: kind does not
// separate literal from pattern listeners of the same name. A *Listener's
// ListenerID is only meaningful for detaching it later (RemoveListenerByID);
// it is not a reliable dedupe key, since a caller-constructed zero-value
// Listener (outside NewListener) always carries id 0.
func (e *ConnectionEntry) attachListeners(kind SubscriptionKind, channel ChannelName, listeners []*Listener) {
	if len(listeners) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	existing := e.listeners[channel]
outer:
	for _, l := range listeners {
		for _, have := range existing {
			if have == l {
				continue outer
			}
		}
		existing = append(existing, l)
	}
	e.listeners[channel] = existing
}

// detachAllListeners removes every listener attached to channel
// unconditionally, for the forced-removal Unsubscribe/PUnsubscribe path.
func (e *ConnectionEntry) detachAllListeners(channel ChannelName) {
	e.mu.Lock()
	delete(e.listeners, channel)
	e.mu.Unlock()
}

// detachListeners removes exactly the given listener pointers from
// channel's bucket and reports how many remain attached.
func (e *ConnectionEntry) detachListeners(channel ChannelName, listeners []*Listener) (remaining int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.listeners[channel]
	kept := current[:0:0]
	for _, have := range current {
		drop := false
		for _, l := range listeners {
			if have == l {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, have)
		}
	}
	if len(kept) == 0 {
		delete(e.listeners, channel)
	} else {
		e.listeners[channel] = kept
	}
	return len(kept)
}

// detachListenerByID removes the listener matching id, if any, from
// channel's bucket — the ListenerID-only counterpart RemoveListenerByID
// uses when the caller no longer holds the *Listener value.
func (e *ConnectionEntry) detachListenerByID(channel ChannelName, id ListenerID) (remaining int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.listeners[channel]
	kept := current[:0:0]
	for _, have := range current {
		if have.id == id {
			continue
		}
		kept = append(kept, have)
	}
	if len(kept) == 0 {
		delete(e.listeners, channel)
	} else {
		e.listeners[channel] = kept
	}
	return len(kept)
}

// hasChannel reports whether (kind, channel) is already recorded as live
// on the wire (i.e. its subscribe ACK already arrived).
func (e *ConnectionEntry) hasChannel(kind SubscriptionKind, channel ChannelName) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if kind.IsPattern() {
		_, ok := e.pattern[channel]
		return ok
	}
	_, ok := e.literal[channel]
	return ok
}

// setWatchdog records the timer backing (channel, kind)'s pending ACK
// watchdog, so a caller cancellation can stop it before it fires.
func (e *ConnectionEntry) setWatchdog(kind SubscriptionKind, channel ChannelName, timer Timer) {
	e.mu.Lock()
	e.watchdogs[futureKey{channel, kind}] = timer
	e.mu.Unlock()
}

// stopWatchdog cancels and forgets (channel, kind)'s pending ACK watchdog,
// if one is still outstanding. Safe to call more than once.
func (e *ConnectionEntry) stopWatchdog(kind SubscriptionKind, channel ChannelName) {
	k := futureKey{channel, kind}
	e.mu.Lock()
	t, ok := e.watchdogs[k]
	if ok {
		delete(e.watchdogs, k)
	}
	e.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// listenersFor returns a snapshot of the listeners attached to channel,
// used by the reattach engine to carry state across to a fresh entry.
func (e *ConnectionEntry) listenersFor(channel ChannelName) []*Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.listeners[channel]
	out := make([]*Listener, len(current))
	copy(out, current)
	return out
}

// dispatch routes an incoming message to every listener on channel, in
// backend delivery order. Invoked from the transport's read path; no
// engine lock is held here, matching the teacher's "hot path is lock
// free" comment in pubsub.go's receiveLoop.
func (e *ConnectionEntry) dispatch(channel ChannelName, payload []byte) {
	e.mu.Lock()
	listeners := e.listeners[channel]
	e.mu.Unlock()
	for _, l := range listeners {
		if l.OnMessage != nil {
			l.OnMessage(channel, payload)
		}
	}
}

// dispatchPattern routes an incoming pattern message.
func (e *ConnectionEntry) dispatchPattern(pattern, channel ChannelName, payload []byte) {
	e.mu.Lock()
	listeners := e.listeners[pattern]
	e.mu.Unlock()
	for _, l := range listeners {
		if l.OnPMessage != nil {
			l.OnPMessage(pattern, channel, payload)
		}
	}
}

// subscribeFuture returns the (get-or-create) one-shot future tracking the
// pending ACK for (channel, kind). Concurrent racers that attach to the
// same entry before the ACK resolves all wait on the same future.
func (e *ConnectionEntry) subscribeFuture(kind SubscriptionKind, channel ChannelName) *Future[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := futureKey{channel, kind}
	if f, ok := e.subFutures[k]; ok {
		return f
	}
	f := NewFuture[struct{}]()
	e.subFutures[k] = f
	return f
}

// completeFuture resolves and forgets the pending future for (channel,
// kind), if one is outstanding. Safe to call more than once; only the
// first caller to find it outstanding does anything.
func (e *ConnectionEntry) completeFuture(kind SubscriptionKind, channel ChannelName, err error) {
	e.mu.Lock()
	k := futureKey{channel, kind}
	f, ok := e.subFutures[k]
	if ok {
		delete(e.subFutures, k)
	}
	e.mu.Unlock()
	if ok {
		f.Complete(struct{}{}, err)
	}
}

// recordChannel marks (channel, kind) as actually live on the wire, i.e.
// the backend acknowledged the subscribe. codec is remembered so a later
// unsubscribe/reattach can report/reuse it.
func (e *ConnectionEntry) recordChannel(kind SubscriptionKind, channel ChannelName, codec Codec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if kind.IsPattern() {
		e.pattern[channel] = codec
	} else {
		e.literal[channel] = codec
	}
}

// forgetChannel removes (channel, kind) from the live set and returns the
// codec it was registered with, for reattach to reuse.
func (e *ConnectionEntry) forgetChannel(kind SubscriptionKind, channel ChannelName) Codec {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.literal
	if kind.IsPattern() {
		m = e.pattern
	}
	codec := m[channel]
	delete(m, channel)
	return codec
}

// hostedChannels returns a snapshot of every (kind, channel, codec) this
// entry currently has live on the wire, for the connection-loss reattach
// path.
func (e *ConnectionEntry) hostedChannels() []hostedChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]hostedChannel, 0, len(e.literal)+len(e.pattern))
	for ch, codec := range e.literal {
		out = append(out, hostedChannel{kind: KindSubscribe, channel: ch, codec: codec})
	}
	for ch, codec := range e.pattern {
		out = append(out, hostedChannel{kind: KindPSubscribe, channel: ch, codec: codec})
	}
	return out
}

type hostedChannel struct {
	kind    SubscriptionKind
	channel ChannelName
	codec   Codec
}

// ConnectionEntryHandle is the read-only view of a ConnectionEntry handed
// back to callers, per spec.md's exposed "subscribe(...) -> Future<
// ConnectionEntryHandle>".
type ConnectionEntryHandle struct {
	entry *ConnectionEntry
}

// Shard reports which backend shard this handle's connection belongs to.
func (h *ConnectionEntryHandle) Shard() ShardId { return h.entry.Shard() }

// FreeSlots reports the current free-slot count on the underlying entry.
func (h *ConnectionEntryHandle) FreeSlots() int { return h.entry.FreeSlots() }

// Subscribed reports how many channels/patterns the underlying entry
// currently hosts.
func (h *ConnectionEntryHandle) Subscribed() int { return h.entry.Subscribed() }
