package submux

import (
	"context"
	"time"
)

// Router resolves channel names to backend shards and reports cluster
// topology/lifecycle state. It is an external collaborator: this package
// only consumes it.
type Router interface {
	// ShardOf returns the shard a channel currently routes to. The second
	// return value is false when the router cannot resolve one (surfaced
	// to callers as ErrNodeNotFound).
	ShardOf(channel ChannelName) (ShardId, bool)
	// Shards returns every shard currently known to the topology, used to
	// fan a notification-channel pattern subscription out across the
	// whole cluster.
	Shards() []ShardId
	// IsCluster reports whether the backend is a multi-shard cluster.
	IsCluster() bool
	// IsShuttingDown reports whether the connection manager is tearing
	// down; subscribe fails fast and unsubscribe short-circuits to
	// success while this is true.
	IsShuttingDown() bool
}

// BackendPool hands out and reclaims physical pub/sub connections per
// shard. It is an external collaborator.
type BackendPool interface {
	AcquirePubSub(ctx context.Context, shard ShardId) (Connection, error)
	ReleasePubSub(shard ShardId, conn Connection)
}

// WireFuture resolves when the backend acknowledges a subscribe/
// unsubscribe command, or when Connection.OnStatusMessage synthesizes
// that acknowledgement locally.
type WireFuture interface {
	Wait(ctx context.Context) error
}

// Connection is one physical pub/sub connection. It is an external
// collaborator — the transport package provides a concrete RESP
// implementation, but the engine only depends on this interface.
type Connection interface {
	Subscribe(codec Codec, channel ChannelName) (WireFuture, error)
	PSubscribe(codec Codec, channel ChannelName) (WireFuture, error)
	Unsubscribe(channel ChannelName) (WireFuture, error)
	PUnsubscribe(channel ChannelName) (WireFuture, error)

	// OnStatusMessage injects a synthetic status acknowledgement for
	// (kind, channel), used by the unsubscribe watchdog to guarantee
	// forward progress when the backend has gone silent. Real status
	// messages later received for the same (kind, channel) are tolerated
	// as a harmless duplicate — the matching WireFuture is already
	// one-shot.
	OnStatusMessage(kind SubscriptionKind, channel ChannelName)

	// SetMessageHandler and SetPMessageHandler register the callbacks the
	// connection's read loop invokes for incoming "message"/"pmessage"
	// pushes. Called once, immediately after the Connection is handed to
	// a ConnectionEntry, before any Subscribe is issued on it.
	SetMessageHandler(func(channel ChannelName, payload []byte))
	SetPMessageHandler(func(pattern, channel ChannelName, payload []byte))

	Close() error
}

// Timer is the handle returned by Scheduler.After.
type Timer interface {
	// Stop cancels the timer. It reports whether the cancellation won
	// the race against the timer firing.
	Stop() bool
}

// Scheduler schedules delayed actions (ACK watchdogs, retry backoff,
// reattach-connection retry). It is an external collaborator so tests can
// substitute a virtual clock.
type Scheduler interface {
	After(d time.Duration, fn func()) Timer
}

// realScheduler schedules with the real wall clock via time.AfterFunc.
type realScheduler struct{}

// NewScheduler returns the default Scheduler backed by time.AfterFunc.
func NewScheduler() Scheduler { return realScheduler{} }

func (realScheduler) After(d time.Duration, fn func()) Timer {
	return realTimer{time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }
