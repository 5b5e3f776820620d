package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/submux/submux"
)

func TestSingleShardRouterAlwaysResolves(t *testing.T) {
	r := New("only-shard")
	shard, ok := r.ShardOf("anything")
	if !ok || shard != "only-shard" {
		t.Errorf("ShardOf = (%q, %v), want (only-shard, true)", shard, ok)
	}
	if r.IsCluster() {
		t.Error("IsCluster = true for a single-shard Router")
	}
}

func TestClusterRouterAssignsDisjointSlots(t *testing.T) {
	r := NewCluster([]Node{
		{Shard: "a", Start: 0, End: 8191},
		{Shard: "b", Start: 8192, End: 16383},
	})
	if !r.IsCluster() {
		t.Fatal("IsCluster = false for a multi-node Router")
	}

	shards := map[submux.ShardId]bool{}
	for _, key := range []submux.ChannelName{"foo", "bar", "baz", "channel-1", "channel-2"} {
		shard, ok := r.ShardOf(key)
		if !ok {
			t.Fatalf("ShardOf(%q) unresolved", key)
		}
		shards[shard] = true
	}
	if len(shards) == 0 {
		t.Fatal("no channel resolved to any shard")
	}
}

func TestHashTagRoutesToSameSlot(t *testing.T) {
	a := hashSlot("{user.1}.profile")
	b := hashSlot("{user.1}.settings")
	if a != b {
		t.Errorf("hash-tagged keys landed on different slots: %d != %d", a, b)
	}
}

func TestHashSlotWithinRange(t *testing.T) {
	slot := hashSlot("some-channel")
	if slot >= clusterSlotCount {
		t.Errorf("hashSlot returned %d, want < %d", slot, clusterSlotCount)
	}
}

func TestShardsDeduplicatesNodes(t *testing.T) {
	r := NewCluster([]Node{
		{Shard: "a", Start: 0, End: 4095},
		{Shard: "a", Start: 4096, End: 8191},
		{Shard: "b", Start: 8192, End: 16383},
	})
	shards := r.Shards()
	if len(shards) != 2 {
		t.Errorf("Shards() = %v, want 2 distinct shards", shards)
	}
}

func TestNonClusterHashIsDeterministic(t *testing.T) {
	if nonClusterHash("news") != nonClusterHash("news") {
		t.Error("nonClusterHash is not deterministic for the same input")
	}
}

func TestShardedRouterIsStable(t *testing.T) {
	r := NewSharded([]submux.ShardId{"n0", "n1", "n2"})
	shard1, ok := r.ShardOf("news")
	if !ok {
		t.Fatal("ShardOf(news) unresolved")
	}
	shard2, _ := r.ShardOf("news")
	if shard1 != shard2 {
		t.Errorf("ShardOf(news) is not stable across calls: %q != %q", shard1, shard2)
	}
	if r.IsCluster() {
		t.Error("IsCluster = true for a client-side sharded Router")
	}
}

// doneWireFuture is a submux.WireFuture that is always already resolved,
// for a fake Connection whose every ack succeeds synchronously.
type doneWireFuture struct{}

func (doneWireFuture) Wait(ctx context.Context) error { return nil }

type fakeCodec string

func (c fakeCodec) Name() string { return string(c) }

// fakeConn is a minimal submux.Connection whose SUBSCRIBE/PSUBSCRIBE/
// UNSUBSCRIBE/PUNSUBSCRIBE all acknowledge immediately, enough to drive
// Engine.Subscribe/ReattachSlot end to end without a real backend.
type fakeConn struct {
	mu     sync.Mutex
	onMsg  func(channel submux.ChannelName, payload []byte)
	onPMsg func(pattern, channel submux.ChannelName, payload []byte)
}

func (c *fakeConn) Subscribe(submux.Codec, submux.ChannelName) (submux.WireFuture, error) {
	return doneWireFuture{}, nil
}
func (c *fakeConn) PSubscribe(submux.Codec, submux.ChannelName) (submux.WireFuture, error) {
	return doneWireFuture{}, nil
}
func (c *fakeConn) Unsubscribe(submux.ChannelName) (submux.WireFuture, error) {
	return doneWireFuture{}, nil
}
func (c *fakeConn) PUnsubscribe(submux.ChannelName) (submux.WireFuture, error) {
	return doneWireFuture{}, nil
}
func (c *fakeConn) OnStatusMessage(submux.SubscriptionKind, submux.ChannelName) {}
func (c *fakeConn) SetMessageHandler(fn func(channel submux.ChannelName, payload []byte)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}
func (c *fakeConn) SetPMessageHandler(fn func(pattern, channel submux.ChannelName, payload []byte)) {
	c.mu.Lock()
	c.onPMsg = fn
	c.mu.Unlock()
}
func (c *fakeConn) Close() error { return nil }

// fakeBackendPool hands out a fresh fakeConn per AcquirePubSub call and
// counts how many were dialed per shard, so a test can tell whether a
// reattach actually dialed a new connection against the new shard.
type fakeBackendPool struct {
	mu    sync.Mutex
	conns map[submux.ShardId]int
}

func newFakeBackendPool() *fakeBackendPool {
	return &fakeBackendPool{conns: make(map[submux.ShardId]int)}
}

func (p *fakeBackendPool) AcquirePubSub(ctx context.Context, shard submux.ShardId) (submux.Connection, error) {
	p.mu.Lock()
	p.conns[shard]++
	p.mu.Unlock()
	return &fakeConn{}, nil
}

func (p *fakeBackendPool) ReleasePubSub(shard submux.ShardId, conn submux.Connection) { conn.Close() }

func (p *fakeBackendPool) acquireCount(shard submux.ShardId) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[shard]
}

// TestSetTopologyReattachesMovedSlots exercises end-to-end scenario 5: a
// cluster topology change moves the slot a channel hashes to onto a
// different shard, and SetTopology's diff against the Engine it notifies
// must reattach that channel onto the new owner without the caller
// re-subscribing by hand.
func TestSetTopologyReattachesMovedSlots(t *testing.T) {
	r := NewCluster([]Node{{Shard: "a", Start: 0, End: clusterSlotCount - 1}})
	pool := newFakeBackendPool()
	engine, err := submux.NewEngine(submux.DefaultConfig, r, pool, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r.SetNotifier(engine)

	channel := submux.ChannelName("news")
	if _, err := engine.Subscribe(context.Background(), fakeCodec("raw"), channel); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := pool.acquireCount("a"); got != 1 {
		t.Fatalf("acquireCount(a) = %d, want 1", got)
	}

	// Carve the slot "news" hashes to off into a new shard "b".
	slot := hashSlot(hashKey(channel))
	nodes := []Node{{Shard: "b", Start: slot, End: slot}}
	if slot > 0 {
		nodes = append(nodes, Node{Shard: "a", Start: 0, End: slot - 1})
	}
	if slot < clusterSlotCount-1 {
		nodes = append(nodes, Node{Shard: "a", Start: slot + 1, End: clusterSlotCount - 1})
	}
	r.SetTopology(nodes)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if handle, ok := engine.Lookup(channel); ok && handle.Shard() == "b" {
			if got := pool.acquireCount("b"); got != 1 {
				t.Fatalf("acquireCount(b) = %d, want 1", got)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("channel was not reattached onto the new slot owner after SetTopology")
}

func TestShutdown(t *testing.T) {
	r := New("shard")
	if r.IsShuttingDown() {
		t.Fatal("IsShuttingDown = true before Shutdown")
	}
	r.Shutdown()
	if !r.IsShuttingDown() {
		t.Error("IsShuttingDown = false after Shutdown")
	}
}
