// Command submuxdemo wires submux's default transport and router
// implementations together against a single Redis-compatible node and
// subscribes to a channel from the command line, printing every message
// it receives until interrupted. It exists to exercise the public
// surface end to end, not as a supported deployment tool — config/CLI
// parsing beyond this is explicitly out of the library's scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/submux/submux"
	"github.com/submux/submux/router"
	"github.com/submux/submux/transport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6379", "backend node address (host:port or unix socket path)")
	channel := flag.String("channel", "news", "channel to subscribe to")
	pattern := flag.Bool("pattern", false, "treat -channel as a PSUBSCRIBE glob pattern")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shard := submux.ShardId("default")
	rtr := router.New(shard)
	pool := transport.NewPool(map[submux.ShardId]string{shard: *addr})

	engine, err := submux.NewEngine(submux.DefaultConfig, rtr, pool, nil, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "submuxdemo: configure engine:", err)
		os.Exit(1)
	}
	pool.SetNotifier(engine)

	listener := submux.NewListener(
		func(ch submux.ChannelName, payload []byte) {
			fmt.Printf("message %s: %s\n", ch, payload)
		},
		func(pat, ch submux.ChannelName, payload []byte) {
			fmt.Printf("pmessage %s (%s): %s\n", ch, pat, payload)
		},
	)

	if *pattern {
		if _, err := engine.PSubscribe(ctx, transport.DefaultCodec, submux.ChannelName(*channel), listener); err != nil {
			fmt.Fprintln(os.Stderr, "submuxdemo: psubscribe:", err)
			os.Exit(1)
		}
	} else {
		if _, err := engine.Subscribe(ctx, transport.DefaultCodec, submux.ChannelName(*channel), listener); err != nil {
			fmt.Fprintln(os.Stderr, "submuxdemo: subscribe:", err)
			os.Exit(1)
		}
	}

	fmt.Fprintf(os.Stderr, "submuxdemo: subscribed to %q on %s, waiting for messages (ctrl-C to exit)\n", *channel, *addr)
	<-ctx.Done()

	if *pattern {
		_ = engine.PUnsubscribe(context.Background(), submux.ChannelName(*channel))
	} else {
		_ = engine.Unsubscribe(context.Background(), submux.ChannelName(*channel))
	}
}
