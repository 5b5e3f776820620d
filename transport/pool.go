package transport

import (
	"context"
	"sync"

	"github.com/submux/submux"
)

// ConnLostNotifier is the subset of submux.Engine that Pool needs: a
// callback for when one of its dialed connections dies unexpectedly.
type ConnLostNotifier interface {
	NotifyConnectionLost(conn submux.Connection)
}

// Pool is the default submux.BackendPool: a single Redis node (or a
// single node per shard, for a cluster-aware Router) reached by dialing a
// fresh pub/sub connection on every AcquirePubSub, matching spec.md's
// model of one physical connection per ConnectionEntry. Grounded on the
// teacher's client.go connection-establishment shape, minus its command
// pipelining (a pub/sub connection carries no request/response pipeline
// beyond SUBSCRIBE/UNSUBSCRIBE acks, which transport.Conn already tracks).
type Pool struct {
	mu       sync.RWMutex
	addrs    map[submux.ShardId]string
	notifier ConnLostNotifier
}

// NewPool constructs a Pool resolving each ShardId to a fixed node
// address. SetNotifier must be called before the pool is used so lost
// connections can reach Engine.NotifyConnectionLost — it is separate from
// NewPool because the Engine and its BackendPool are constructed
// together and each needs a reference to the other.
func NewPool(addrs map[submux.ShardId]string) *Pool {
	return &Pool{addrs: addrs}
}

// SetNotifier wires the engine that owns this pool so lost connections
// can be reattached.
func (p *Pool) SetNotifier(n ConnLostNotifier) {
	p.mu.Lock()
	p.notifier = n
	p.mu.Unlock()
}

func (p *Pool) AcquirePubSub(ctx context.Context, shard submux.ShardId) (submux.Connection, error) {
	p.mu.RLock()
	addr, ok := p.addrs[shard]
	notifier := p.notifier
	p.mu.RUnlock()
	if !ok {
		return nil, submux.ErrNodeNotFound
	}

	return Dial(ctx, addr, func(c *Conn) {
		if notifier != nil {
			notifier.NotifyConnectionLost(c)
		}
	})
}

func (p *Pool) ReleasePubSub(shard submux.ShardId, conn submux.Connection) {
	conn.Close()
}
