package submux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubscribeNewConnection(t *testing.T) {
	router := newFakeRouter("shard-0")
	pool := newFakePool()
	e := newTestEngine(t, router, pool)

	handle, err := e.Subscribe(context.Background(), fakeCodec("raw"), "news")
	require.NoError(t, err)
	assert.Equal(t, ShardId("shard-0"), handle.Shard())
	assert.Equal(t, 1, handle.Subscribed())

	stats := e.Stats()
	assert.Equal(t, 1, stats.RegistrySize)
	assert.Equal(t, 1, stats.Connections)
}

func TestSubscribeFastPathReusesEntry(t *testing.T) {
	router := newFakeRouter("shard-0")
	pool := newFakePool()
	e := newTestEngine(t, router, pool)

	var got1, got2 []byte
	l1 := NewListener(func(_ ChannelName, payload []byte) { got1 = payload }, nil)
	l2 := NewListener(func(_ ChannelName, payload []byte) { got2 = payload }, nil)

	h1, err := e.Subscribe(context.Background(), fakeCodec("raw"), "news", l1)
	require.NoError(t, err)
	h2, err := e.Subscribe(context.Background(), fakeCodec("raw"), "news", l2)
	require.NoError(t, err)

	assert.Equal(t, h1.Shard(), h2.Shard())
	assert.Len(t, pool.conns, 1, "second subscribe to the same channel must not dial a new connection")

	entry, ok := e.registry.Get(subKey{"news", h1.Shard()})
	require.True(t, ok)
	entry.dispatch("news", []byte("hello"))
	assert.Equal(t, []byte("hello"), got1, "first listener attached to the channel must still be dispatched to")
	assert.Equal(t, []byte("hello"), got2, "second listener must also be attached, not dropped as a duplicate")
}

func TestSubscribeSlowPathReusesFreeEntry(t *testing.T) {
	router := newFakeRouter("shard-0")
	pool := newFakePool()
	e := newTestEngine(t, router, pool)

	_, err := e.Subscribe(context.Background(), fakeCodec("raw"), "a")
	require.NoError(t, err)
	_, err = e.Subscribe(context.Background(), fakeCodec("raw"), "b")
	require.NoError(t, err)

	assert.Len(t, pool.conns, 1, "distinct channels on the same shard should share one connection's free slots")
}

func TestSubscribeFailsWhenConnectAttemptsExhausted(t *testing.T) {
	router := newFakeRouter("shard-0")
	pool := newFakePool()
	pool.failNext = true
	pool.failErr = assertErr{"dial refused"}
	e := newTestEngine(t, router, pool)
	e.cfg.RetryAttempts = 1 // fail on first attempt, no retries left

	_, err := e.Subscribe(context.Background(), fakeCodec("raw"), "news")
	require.Error(t, err)
	var connErr *ErrConnectAttemptFailed
	assert.ErrorAs(t, err, &connErr)
}

func TestSubscribeTimeoutRollsBack(t *testing.T) {
	router := newFakeRouter("shard-0")
	pool := newFakePool()
	e := newTestEngine(t, router, pool)
	e.cfg.Timeout = time.Millisecond

	// Acquire a connection but never let its ack resolve.
	conn := newFakeConn()
	conn.holdAcks = true
	// Resolve the held ack once the test is done, so the goroutine waiting
	// on it exits before goleak's check in TestMain.
	defer conn.releaseAcks()
	pool.mu.Lock()
	pool.conns = append(pool.conns, conn)
	pool.mu.Unlock()
	pool.failNext = false

	// Swap in a pool that hands out the held-back connection.
	e.pool = heldConnPool{conn}

	_, err := e.Subscribe(context.Background(), fakeCodec("raw"), "news")
	assert.ErrorIs(t, err, ErrSubscribeTimeout)

	stats := e.Stats()
	assert.Equal(t, 0, stats.RegistrySize, "a timed-out subscribe must not leave a registry entry behind")
}

func TestSubscribeCancelAfterWireSentRollsBack(t *testing.T) {
	router := newFakeRouter("shard-0")
	pool := newFakePool()
	e := newTestEngine(t, router, pool)
	e.cfg.Timeout = time.Hour // only cancellation, never the watchdog, should roll this back

	conn := newFakeConn()
	conn.holdAcks = true
	defer conn.releaseAcks()
	e.pool = heldConnPool{conn}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Subscribe(ctx, fakeCodec("raw"), "news")
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := e.registry.Get(subKey{"news", "shard-0"})
		return ok
	}, time.Second, time.Millisecond, "subscribe must have committed a registry entry before the wire ack")

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after its context was canceled")
	}

	require.Eventually(t, func() bool {
		return e.Stats().RegistrySize == 0
	}, time.Second, time.Millisecond, "canceling the only caller's pending subscribe must roll the registry back")
}

type heldConnPool struct{ conn *fakeConn }

func (p heldConnPool) AcquirePubSub(ctx context.Context, shard ShardId) (Connection, error) {
	return p.conn, nil
}
func (p heldConnPool) ReleasePubSub(shard ShardId, conn Connection) {}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	router := newFakeRouter("shard-0")
	pool := newFakePool()
	e := newTestEngine(t, router, pool)

	err := e.Unsubscribe(context.Background(), "never-subscribed")
	assert.NoError(t, err)
}

func TestSubscribeThenUnsubscribeReturnsConnectionToPool(t *testing.T) {
	router := newFakeRouter("shard-0")
	pool := newFakePool()
	e := newTestEngine(t, router, pool)

	_, err := e.Subscribe(context.Background(), fakeCodec("raw"), "news")
	require.NoError(t, err)
	require.NoError(t, e.Unsubscribe(context.Background(), "news"))

	stats := e.Stats()
	assert.Equal(t, 0, stats.RegistrySize)
}

func TestRemoveListenerOnlyUnsubscribesAtZero(t *testing.T) {
	router := newFakeRouter("shard-0")
	pool := newFakePool()
	e := newTestEngine(t, router, pool)

	l1 := NewListener(nil, nil)
	l2 := NewListener(nil, nil)
	_, err := e.Subscribe(context.Background(), fakeCodec("raw"), "news", l1, l2)
	require.NoError(t, err)

	require.NoError(t, e.RemoveListener(context.Background(), KindSubscribe, "news", l1))
	stats := e.Stats()
	assert.Equal(t, 1, stats.RegistrySize, "one listener remains, channel must stay subscribed")

	require.NoError(t, e.RemoveListener(context.Background(), KindSubscribe, "news", l2))
	stats = e.Stats()
	assert.Equal(t, 0, stats.RegistrySize, "last listener removed must unsubscribe")
}

func TestRemoveListenerByIDDetachesWithoutTheValue(t *testing.T) {
	router := newFakeRouter("shard-0")
	pool := newFakePool()
	e := newTestEngine(t, router, pool)

	l := NewListener(func(ChannelName, []byte) {}, nil)
	id := l.ID()
	_, err := e.Subscribe(context.Background(), fakeCodec("raw"), "news", l)
	require.NoError(t, err)

	// Only id is retained from here on, matching spec.md §3's "callers can
	// detach without retaining the value" contract.
	require.NoError(t, e.RemoveListenerByID(context.Background(), KindSubscribe, "news", id))

	stats := e.Stats()
	assert.Equal(t, 0, stats.RegistrySize, "last listener removed by id must unsubscribe")
}

func TestPSubscribeFanOutAcrossCluster(t *testing.T) {
	router := newFakeRouter("shard-0")
	router.cluster = true
	router.shards = []ShardId{"shard-0", "shard-1"}
	pool := newFakePool()
	e := newTestEngine(t, router, pool)

	handles, err := e.PSubscribe(context.Background(), fakeCodec("raw"), "__keyevent@0__:expired")
	require.NoError(t, err)
	assert.Len(t, handles, 2)
	assert.Len(t, pool.conns, 2)
}

func TestSubscribeFailsFastWhenShuttingDown(t *testing.T) {
	router := newFakeRouter("shard-0")
	router.setShuttingDown(true)
	pool := newFakePool()
	e := newTestEngine(t, router, pool)

	_, err := e.Subscribe(context.Background(), fakeCodec("raw"), "news")
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestReattachConnectionResubscribes(t *testing.T) {
	router := newFakeRouter("shard-0")
	pool := newFakePool()
	e := newTestEngine(t, router, pool)

	handle, err := e.Subscribe(context.Background(), fakeCodec("raw"), "news")
	require.NoError(t, err)

	entry, ok := e.registry.Get(subKey{"news", handle.Shard()})
	require.True(t, ok)

	e.ReattachConnection(entry)

	require.Eventually(t, func() bool {
		return e.Stats().RegistrySize == 1
	}, time.Second, time.Millisecond, "reattach must resubscribe onto a fresh connection")
	assert.Len(t, pool.conns, 2, "reattach dials a replacement connection")
}

// assertErr is a minimal comparable error for tests that only need a
// stable identity to assert against.
type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
