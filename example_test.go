package submux_test

import (
	"context"
	"log"

	"github.com/submux/submux"
	"github.com/submux/submux/router"
	"github.com/submux/submux/transport"
)

// ExampleEngine_Subscribe wires the default router and transport
// implementations together and subscribes to a single channel, printing
// every message received until the listener is torn down.
func ExampleEngine_Subscribe() {
	shard := submux.ShardId("node-0")
	rtr := router.New(shard)
	pool := transport.NewPool(map[submux.ShardId]string{shard: "127.0.0.1:6379"})

	engine, err := submux.NewEngine(submux.DefaultConfig, rtr, pool, nil, nil)
	if err != nil {
		log.Fatal("configure engine: ", err)
	}
	pool.SetNotifier(engine)

	listener := submux.NewListener(func(channel submux.ChannelName, payload []byte) {
		log.Printf("%s: %s", channel, payload)
	}, nil)

	handle, err := engine.Subscribe(context.Background(), transport.DefaultCodec, "news", listener)
	if err != nil {
		log.Fatal("subscribe: ", err)
	}
	log.Printf("subscribed on shard %s", handle.Shard())

	if err := engine.RemoveListenerByID(context.Background(), submux.KindSubscribe, "news", listener.ID()); err != nil {
		log.Fatal("remove listener: ", err)
	}
}
