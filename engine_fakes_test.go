package submux

import (
	"context"
	"sync"
	"time"
)

// fakeConn is an in-memory Connection: every Subscribe/Unsubscribe call
// resolves its WireFuture immediately (synchronously, from the calling
// goroutine) unless the test arranges otherwise via holdAcks. It mirrors
// the shape of transport.Conn closely enough to exercise the engine
// without a network round trip.
type fakeConn struct {
	mu           sync.Mutex
	onMsg        func(channel ChannelName, payload []byte)
	onPMsg       func(pattern, channel ChannelName, payload []byte)
	closed       bool
	holdAcks     bool
	pending      []*Future[struct{}]
	subscribeErr error
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (c *fakeConn) Subscribe(codec Codec, channel ChannelName) (WireFuture, error) {
	return c.ack()
}

func (c *fakeConn) PSubscribe(codec Codec, channel ChannelName) (WireFuture, error) {
	return c.ack()
}

func (c *fakeConn) Unsubscribe(channel ChannelName) (WireFuture, error) {
	return c.ack()
}

func (c *fakeConn) PUnsubscribe(channel ChannelName) (WireFuture, error) {
	return c.ack()
}

func (c *fakeConn) ack() (WireFuture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	fut := NewFuture[struct{}]()
	if c.holdAcks {
		c.pending = append(c.pending, fut)
	} else {
		fut.Complete(struct{}{}, nil)
	}
	return fakeWireFuture{fut}, nil
}

// releaseAcks resolves every ack held back by holdAcks, in order.
func (c *fakeConn) releaseAcks() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, f := range pending {
		f.Complete(struct{}{}, nil)
	}
}

func (c *fakeConn) OnStatusMessage(kind SubscriptionKind, channel ChannelName) {}

func (c *fakeConn) SetMessageHandler(fn func(channel ChannelName, payload []byte)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

func (c *fakeConn) SetPMessageHandler(fn func(pattern, channel ChannelName, payload []byte)) {
	c.mu.Lock()
	c.onPMsg = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) deliver(channel ChannelName, payload []byte) {
	c.mu.Lock()
	h := c.onMsg
	c.mu.Unlock()
	if h != nil {
		h(channel, payload)
	}
}

type fakeWireFuture struct{ f *Future[struct{}] }

func (w fakeWireFuture) Wait(ctx context.Context) error {
	_, err := w.f.Wait(ctx)
	return err
}

// fakePool is an in-memory BackendPool handing out one fakeConn per call,
// tracking every connection it created so tests can poke at them.
type fakePool struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failNext bool
	failErr  error
}

func newFakePool() *fakePool { return &fakePool{} }

func (p *fakePool) AcquirePubSub(ctx context.Context, shard ShardId) (Connection, error) {
	p.mu.Lock()
	if p.failNext {
		p.failNext = false
		err := p.failErr
		p.mu.Unlock()
		return nil, err
	}
	c := newFakeConn()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c, nil
}

func (p *fakePool) ReleasePubSub(shard ShardId, conn Connection) {
	conn.Close()
}

// fakeRouter routes every channel to a single fixed shard unless notRouted
// is set, and never reports IsCluster/IsShuttingDown unless told to.
type fakeRouter struct {
	mu           sync.Mutex
	shard        ShardId
	shards       []ShardId
	cluster      bool
	shuttingDown bool
	notRouted    bool
}

func newFakeRouter(shard ShardId) *fakeRouter {
	return &fakeRouter{shard: shard, shards: []ShardId{shard}}
}

func (r *fakeRouter) ShardOf(channel ChannelName) (ShardId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notRouted {
		return "", false
	}
	return r.shard, true
}

func (r *fakeRouter) Shards() []ShardId {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ShardId, len(r.shards))
	copy(out, r.shards)
	return out
}

func (r *fakeRouter) IsCluster() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cluster
}

func (r *fakeRouter) IsShuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuttingDown
}

func (r *fakeRouter) setShuttingDown(v bool) {
	r.mu.Lock()
	r.shuttingDown = v
	r.mu.Unlock()
}

type fakeCodec string

func (c fakeCodec) Name() string { return string(c) }

func newTestEngine(t interface {
	Fatalf(format string, args ...any)
}, router *fakeRouter, pool *fakePool) *Engine {
	cfg := DefaultConfig
	cfg.RetryAttempts = 2
	cfg.RetryInterval = time.Millisecond
	e, err := NewEngine(cfg, router, pool, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}
