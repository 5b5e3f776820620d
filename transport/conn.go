package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/submux/submux"
	"github.com/submux/submux/log"
)

// DialTimeout bounds TCP/unix connection establishment, mirroring the
// teacher's client.go default of one second.
var DialTimeout = time.Second

// Conn is the default Connection implementation: one physical RESP2
// connection used exclusively for pub/sub. Writes are serialized through
// an AsyncSemaphore exactly like the teacher's client.go `connSem`
// write-lock; the read loop runs on its own goroutine for the lifetime of
// the connection and is the only goroutine that touches the bufio.Reader.
type Conn struct {
	addr string
	net  net.Conn

	writeLock *submux.AsyncSemaphore

	mu       sync.Mutex
	pending  map[pendingKey]*pendingCmd
	onMsg    func(channel submux.ChannelName, payload []byte)
	onPMsg   func(pattern, channel submux.ChannelName, payload []byte)
	closed   bool
	onClosed func(*Conn) // invoked once, from the read loop, on unexpected loss

	logger log.Logger
}

type pendingKey struct {
	verb    string // SUBSCRIBE, UNSUBSCRIBE, PSUBSCRIBE, PUNSUBSCRIBE
	channel string
}

type pendingCmd struct {
	fut *submux.Future[struct{}]
}

// Dial establishes a new pub/sub connection to addr ("host:port" or an
// absolute path for a Unix domain socket) and starts its read loop.
// onClosed, if non-nil, is invoked exactly once when the read loop
// observes the connection is gone for reasons other than Close — the
// caller's BackendPool wires this to Engine.ReattachConnection.
func Dial(ctx context.Context, addr string, onClosed func(*Conn)) (*Conn, error) {
	network := "tcp"
	if len(addr) > 0 && addr[0] == '/' {
		network = "unix"
	}
	d := net.Dialer{Timeout: DialTimeout}
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	c := &Conn{
		addr:      addr,
		net:       nc,
		writeLock: submux.NewAsyncSemaphore(1),
		pending:   make(map[pendingKey]*pendingCmd),
		onClosed:  onClosed,
		logger:    log.Named("transport"),
	}
	go c.readLoop(bufio.NewReader(nc))
	return c, nil
}

func (c *Conn) SetMessageHandler(fn func(channel submux.ChannelName, payload []byte)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

func (c *Conn) SetPMessageHandler(fn func(pattern, channel submux.ChannelName, payload []byte)) {
	c.mu.Lock()
	c.onPMsg = fn
	c.mu.Unlock()
}

func (c *Conn) Subscribe(codec submux.Codec, channel submux.ChannelName) (submux.WireFuture, error) {
	return c.send("SUBSCRIBE", string(channel))
}

func (c *Conn) PSubscribe(codec submux.Codec, channel submux.ChannelName) (submux.WireFuture, error) {
	return c.send("PSUBSCRIBE", string(channel))
}

func (c *Conn) Unsubscribe(channel submux.ChannelName) (submux.WireFuture, error) {
	return c.send("UNSUBSCRIBE", string(channel))
}

func (c *Conn) PUnsubscribe(channel submux.ChannelName) (submux.WireFuture, error) {
	return c.send("PUNSUBSCRIBE", string(channel))
}

// OnStatusMessage synthesizes a status-reply acknowledgement locally,
// used by submux's ACK watchdogs when the backend goes silent.
func (c *Conn) OnStatusMessage(kind submux.SubscriptionKind, channel submux.ChannelName) {
	key := pendingKey{verb: verbForKind(kind), channel: string(channel)}
	c.mu.Lock()
	cmd, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok {
		cmd.fut.Complete(struct{}{}, nil)
	}
}

func (c *Conn) send(verb, channel string) (submux.WireFuture, error) {
	fut := submux.NewFuture[struct{}]()
	key := pendingKey{verb: verb, channel: channel}

	done := make(chan error, 1)
	c.writeLock.Acquire(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			c.writeLock.Release()
			done <- fmt.Errorf("transport: connection to %s closed", c.addr)
			return
		}
		c.pending[key] = &pendingCmd{fut: fut}
		c.mu.Unlock()

		_, err := c.net.Write(buildCommand(verb, channel))
		c.writeLock.Release()
		done <- err
	})
	if err := <-done; err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, err
	}
	return futureAdapter{fut}, nil
}

// futureAdapter satisfies submux.WireFuture over a submux.Future[struct{}].
type futureAdapter struct{ f *submux.Future[struct{}] }

func (a futureAdapter) Wait(ctx context.Context) error {
	_, err := a.f.Wait(ctx)
	return err
}

func (c *Conn) readLoop(r *bufio.Reader) {
	for {
		msg, err := decodePush(r)
		if err != nil {
			c.teardown(err)
			return
		}

		switch msg.kind {
		case "message":
			c.mu.Lock()
			handler := c.onMsg
			c.mu.Unlock()
			if handler != nil {
				handler(submux.ChannelName(msg.channel), msg.payload)
			}
		case "pmessage":
			c.mu.Lock()
			handler := c.onPMsg
			c.mu.Unlock()
			if handler != nil {
				handler(submux.ChannelName(msg.pattern), submux.ChannelName(msg.channel), msg.payload)
			}
		case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
			key := pendingKey{verb: verbForPushKind(msg.kind), channel: msg.channel}
			c.mu.Lock()
			cmd, ok := c.pending[key]
			if ok {
				delete(c.pending, key)
			}
			c.mu.Unlock()
			if ok {
				cmd.fut.Complete(struct{}{}, nil)
			}
		}
	}
}

// teardown marks the connection dead and resolves every pending command
// with the read error, then notifies onClosed so the caller's BackendPool
// can drive submux.Engine.ReattachConnection.
func (c *Conn) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[pendingKey]*pendingCmd)
	onClosed := c.onClosed
	c.mu.Unlock()

	for _, cmd := range pending {
		cmd.fut.Complete(struct{}{}, err)
	}
	c.net.Close()
	if onClosed != nil {
		onClosed(c)
	}
}

// Close terminates the connection gracefully; teardown's onClosed
// notification is skipped since this is caller-initiated, not a loss.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[pendingKey]*pendingCmd)
	c.mu.Unlock()

	for _, cmd := range pending {
		cmd.fut.Complete(struct{}{}, submux.ErrShutdown)
	}
	return c.net.Close()
}

func verbForKind(kind submux.SubscriptionKind) string {
	switch kind {
	case submux.KindUnsubscribe:
		return "UNSUBSCRIBE"
	case submux.KindPUnsubscribe:
		return "PUNSUBSCRIBE"
	case submux.KindPSubscribe:
		return "PSUBSCRIBE"
	default:
		return "SUBSCRIBE"
	}
}

func verbForPushKind(pushKind string) string {
	switch pushKind {
	case "unsubscribe":
		return "UNSUBSCRIBE"
	case "psubscribe":
		return "PSUBSCRIBE"
	case "punsubscribe":
		return "PUNSUBSCRIBE"
	default:
		return "SUBSCRIBE"
	}
}
