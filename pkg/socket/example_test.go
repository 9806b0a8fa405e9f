package socket_test

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/junbin-yang/rtstream/pkg/socket"
	"github.com/junbin-yang/rtstream/pkg/transport/stream"
	"github.com/junbin-yang/rtstream/pkg/transport/substrate"
)

func ExampleManager() {
	network := substrate.NewMemNetwork(substrate.MemOptions{Seed: 1})
	defer network.Close()

	serverAddr := netip.MustParseAddr("192.168.0.1")
	server, _ := socket.NewManager(network, socket.Config{LocalAddr: serverAddr, Options: stream.DefaultOptions()})
	defer server.Close()
	client, _ := socket.NewManager(network, socket.Config{LocalAddr: netip.MustParseAddr("192.168.0.2")})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, _ := server.Socket()
	ln.Bind(7)
	ln.Listen(0)

	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		msg, _ := conn.ReadContext(ctx, 1024)
		conn.WriteAll(ctx, msg)
	}()

	conn, _ := client.Socket()
	if err := conn.Connect(ctx, serverAddr, 7); err != nil {
		fmt.Println("connect:", err)
		return
	}
	conn.WriteAll(ctx, []byte("hello"))
	echo, _ := conn.ReadContext(ctx, 1024)
	fmt.Println(string(echo))
	// Output: hello
}
