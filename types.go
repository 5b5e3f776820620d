package submux

import (
	"strings"
	"sync/atomic"
)

// ChannelName is an opaque channel identifier. Equality is byte equality,
// which a Go string already gives us.
type ChannelName string

// notificationPrefixes are the backend-emitted keyspace notification
// channel prefixes that broadcast across every shard in cluster mode.
var notificationPrefixes = [...]string{"__keyspace@", "__keyevent@"}

// IsNotification reports whether the channel is a keyspace/keyevent
// notification channel.
func (c ChannelName) IsNotification() bool {
	s := string(c)
	for _, p := range notificationPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ShardId identifies a backend partition, as produced by a Router.
type ShardId string

// SubscriptionKind distinguishes the four pub/sub verbs.
type SubscriptionKind uint8

const (
	KindSubscribe SubscriptionKind = iota
	KindUnsubscribe
	KindPSubscribe
	KindPUnsubscribe
)

func (k SubscriptionKind) String() string {
	switch k {
	case KindSubscribe:
		return "SUBSCRIBE"
	case KindUnsubscribe:
		return "UNSUBSCRIBE"
	case KindPSubscribe:
		return "PSUBSCRIBE"
	case KindPUnsubscribe:
		return "PUNSUBSCRIBE"
	default:
		return "UNKNOWN"
	}
}

// IsPattern reports whether the kind operates on PSUBSCRIBE/PUNSUBSCRIBE
// pattern subscriptions rather than literal channels.
func (k SubscriptionKind) IsPattern() bool {
	return k == KindPSubscribe || k == KindPUnsubscribe
}

// unsubscribeKindFor mirrors a *SUBSCRIBE kind to its *UNSUBSCRIBE
// counterpart.
func unsubscribeKindFor(k SubscriptionKind) SubscriptionKind {
	if k == KindPSubscribe {
		return KindPUnsubscribe
	}
	return KindUnsubscribe
}

// Codec is an opaque marker for the wire encoding a subscription was
// established with; codec selection itself is an external collaborator's
// concern. The engine only needs to carry the value through so a reattach
// can resubscribe with the same codec.
type Codec interface {
	Name() string
}

// subKey is the registry's composite key: (ChannelName, ShardId).
type subKey struct {
	channel ChannelName
	shard   ShardId
}

// ListenerID is a monotonically-assigned handle a caller can use to
// detach a Listener without retaining the value itself.
type ListenerID uint64

// Listener is an opaque callback bundle attached to a (channel, kind)
// pair. Multiple Listeners may coexist per pair; OnMessage/OnPMessage are
// invoked in the order the backend delivered the corresponding publishes.
// Construct one with NewListener so ID() returns a usable handle; the zero
// value is only good for struct-literal tests inside this package.
type Listener struct {
	id         ListenerID
	OnMessage  func(channel ChannelName, payload []byte)
	OnPMessage func(pattern, channel ChannelName, payload []byte)
}

// nextListenerID is the process-wide monotonic counter NewListener draws
// from, so IDs stay unique across every Engine in the process the way
// spec.md §3 describes them (a caller-visible handle, not a per-engine
// sequence).
var nextListenerID uint64

// NewListener constructs a Listener with a freshly-assigned ListenerID,
// allowing a caller to detach it later via RemoveListenerByID without
// retaining the *Listener value itself.
func NewListener(onMessage func(channel ChannelName, payload []byte), onPMessage func(pattern, channel ChannelName, payload []byte)) *Listener {
	return &Listener{
		id:         ListenerID(atomic.AddUint64(&nextListenerID, 1)),
		OnMessage:  onMessage,
		OnPMessage: onPMessage,
	}
}

// ID returns the monotonic identifier assigned at creation.
func (l *Listener) ID() ListenerID { return l.id }
