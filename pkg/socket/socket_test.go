package socket

import (
	"bytes"
	"context"
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/junbin-yang/rtstream/api"
	"github.com/junbin-yang/rtstream/pkg/transport/stream"
	"github.com/junbin-yang/rtstream/pkg/transport/substrate"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	serverAddr = netip.MustParseAddr("10.0.0.1")
	clientAddr = netip.MustParseAddr("10.0.0.2")
)

// fastOptions 缩短超时，使丢包场景下的测试快速收敛
func fastOptions() stream.Options {
	opts := stream.DefaultOptions()
	opts.InitialTimeout = 50 * time.Millisecond
	opts.MinTimeout = 10 * time.Millisecond
	opts.MaxTimeout = 200 * time.Millisecond
	opts.HandshakeRetries = 10
	return opts
}

type pair struct {
	net    *substrate.MemNetwork
	server *Manager
	client *Manager
}

func newPair(t *testing.T, netOpts substrate.MemOptions, opts stream.Options) *pair {
	t.Helper()
	n := substrate.NewMemNetwork(netOpts)
	server, err := NewManager(n, Config{LocalAddr: serverAddr, Options: opts})
	require.NoError(t, err)
	client, err := NewManager(n, Config{LocalAddr: clientAddr, Options: opts})
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		server.Close()
		n.Close()
	})
	return &pair{net: n, server: server, client: client}
}

func (p *pair) listen(t *testing.T, port uint16, backlog int) *Sock {
	t.Helper()
	ln, err := p.server.Socket()
	require.NoError(t, err)
	require.NoError(t, ln.Bind(port))
	require.NoError(t, ln.Listen(backlog))
	return ln
}

// establish 建立一条连接，返回客户端与服务端的套接字
func (p *pair) establish(t *testing.T, ln *Sock, port uint16) (*Sock, *Sock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *Sock, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err == nil {
			accepted <- s
		}
		close(accepted)
	}()

	cli, err := p.client.Socket()
	require.NoError(t, err)
	require.NoError(t, cli.Connect(ctx, serverAddr, port))

	srv, ok := <-accepted
	require.True(t, ok, "accept failed")
	return cli, srv
}

func readN(t *testing.T, s *Sock, n int) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var buf bytes.Buffer
	for buf.Len() < n {
		data, err := s.ReadContext(ctx, 4096)
		require.NoError(t, err)
		buf.Write(data)
	}
	return buf.Bytes()
}

func randomPayload(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func TestConnectAcceptTransfer(t *testing.T) {
	p := newPair(t, substrate.MemOptions{Seed: 1}, fastOptions())
	ln := p.listen(t, 21, 0)
	assert.Equal(t, api.StateListen, ln.State())

	cli, srv := p.establish(t, ln, 21)
	assert.Equal(t, api.StateEstablished, cli.State())
	assert.Equal(t, api.StateEstablished, srv.State())
	assert.Equal(t, netip.AddrPortFrom(serverAddr, 21), cli.RemoteAddr())
	assert.Equal(t, cli.LocalAddr(), srv.RemoteAddr())
	assert.Equal(t, netip.AddrPortFrom(serverAddr, 21), srv.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := randomPayload(20 * 1024)
	require.NoError(t, cli.WriteAll(ctx, payload))
	assert.Equal(t, payload, readN(t, srv, len(payload)))

	// 反方向
	require.NoError(t, srv.WriteAll(ctx, []byte("pong")))
	assert.Equal(t, []byte("pong"), readN(t, cli, 4))

	assert.Equal(t, uint64(len(payload)), cli.Statistics().BytesSent)
	assert.Len(t, p.server.Connections(), 1)
}

func TestLossyNetworkTransfer(t *testing.T) {
	p := newPair(t, substrate.MemOptions{
		Loss:      0.1,
		Duplicate: 0.05,
		Corrupt:   0.02,
		Jitter:    3 * time.Millisecond,
		Seed:      7,
	}, fastOptions())
	ln := p.listen(t, 80, 0)
	cli, srv := p.establish(t, ln, 80)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	payload := randomPayload(32 * 1024)
	go cli.WriteAll(ctx, payload)
	assert.Equal(t, payload, readN(t, srv, len(payload)), "丢包、重复、乱序下字节流保持有序完整")

	assert.NotZero(t, p.net.Stats().Lost)
	assert.GreaterOrEqual(t, cli.Statistics().SegmentsSent, uint64(32))
}

func TestWriteFragmentsByMSS(t *testing.T) {
	opts := fastOptions()
	opts.MaxSegmentSize = 100
	opts.InitialTimeout = time.Second
	opts.MaxTimeout = time.Second
	p := newPair(t, substrate.MemOptions{Seed: 1, Loss: 0}, opts)
	ln := p.listen(t, 21, 0)
	cli, srv := p.establish(t, ln, 21)

	// 丢掉全部段，窗口无法推进
	p.net.SetLoss(1)
	n, err := cli.Write(make([]byte, 1000))
	require.NoError(t, err)
	assert.Equal(t, 4*100, n, "窗口只容纳4个段")

	_, err = cli.Write([]byte("more"))
	assert.True(t, errors.Is(err, stream.ErrWindowFull))

	p.net.SetLoss(0)
	assert.Len(t, readN(t, srv, 400), 400)
}

func TestConnectWithoutListenerFails(t *testing.T) {
	opts := fastOptions()
	opts.HandshakeRetries = 2
	opts.MaxTimeout = 20 * time.Millisecond
	p := newPair(t, substrate.MemOptions{Seed: 1}, opts)

	cli, err := p.client.Socket()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = cli.Connect(ctx, serverAddr, 9)
	assert.True(t, errors.Is(err, ErrConnectFailed))
	assert.Equal(t, api.StateClosed, cli.State())
	assert.Empty(t, p.client.Connections())
}

func TestConnectContextCanceled(t *testing.T) {
	p := newPair(t, substrate.MemOptions{Seed: 1, Loss: 1}, fastOptions())
	p.listen(t, 21, 0)

	cli, err := p.client.Socket()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = cli.Connect(ctx, serverAddr, 21)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, api.StateClosed, cli.State())
}

func TestBindAndEphemeralPorts(t *testing.T) {
	n := substrate.NewMemNetwork(substrate.MemOptions{})
	defer n.Close()
	m, err := NewManager(n, Config{LocalAddr: serverAddr, EphemeralMin: 50000, EphemeralMax: 50001})
	require.NoError(t, err)
	defer m.Close()

	_, err = NewManager(n, Config{LocalAddr: serverAddr})
	assert.True(t, errors.Is(err, substrate.ErrAddrInUse))

	a, _ := m.Socket()
	require.NoError(t, a.Bind(21))
	assert.True(t, errors.Is(a.Bind(22), ErrAlreadyBound))

	b, _ := m.Socket()
	assert.True(t, errors.Is(b.Bind(21), ErrPortInUse))

	require.NoError(t, b.Bind(0))
	c, _ := m.Socket()
	require.NoError(t, c.Bind(0))
	assert.ElementsMatch(t, []uint16{50000, 50001}, []uint16{b.LocalAddr().Port(), c.LocalAddr().Port()})

	d, _ := m.Socket()
	assert.True(t, errors.Is(d.Bind(0), ErrNoPorts))

	// 关闭后端口可以复用
	require.NoError(t, b.Close())
	require.NoError(t, d.Bind(0))
	assert.Equal(t, netip.AddrPort{}, b.LocalAddr(), "已关闭套接字没有地址")
}

func TestSocketMisuse(t *testing.T) {
	p := newPair(t, substrate.MemOptions{Seed: 1}, fastOptions())

	s, err := p.server.Socket()
	require.NoError(t, err)
	assert.True(t, errors.Is(s.Listen(0), ErrNotBound))

	_, err = s.Accept(context.Background())
	assert.True(t, errors.Is(err, ErrNotListening))

	_, err = s.Write([]byte("x"))
	assert.True(t, errors.Is(err, ErrNotConnected))
	_, err = s.Read(10)
	assert.True(t, errors.Is(err, ErrNotConnected))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, errors.Is(s.Bind(1), ErrClosed))
	assert.Equal(t, api.StateClosed, s.State())
}

func TestAcceptUnblocksOnClose(t *testing.T) {
	p := newPair(t, substrate.MemOptions{Seed: 1}, fastOptions())
	ln := p.listen(t, 21, 0)

	done := make(chan error, 1)
	go func() {
		_, err := ln.Accept(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ln.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("Accept did not return")
	}
}

func TestBacklogLimit(t *testing.T) {
	opts := fastOptions()
	opts.HandshakeRetries = 2
	opts.MaxTimeout = 20 * time.Millisecond
	p := newPair(t, substrate.MemOptions{Seed: 1}, opts)
	p.listen(t, 21, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _ := p.client.Socket()
	require.NoError(t, first.Connect(ctx, serverAddr, 21))

	second, _ := p.client.Socket()
	err := second.Connect(ctx, serverAddr, 21)
	assert.True(t, errors.Is(err, ErrConnectFailed), "队列已满时新的SYN被丢弃")
}

func TestCloseNotifiesPeer(t *testing.T) {
	p := newPair(t, substrate.MemOptions{Seed: 1}, fastOptions())
	ln := p.listen(t, 21, 0)
	cli, srv := p.establish(t, ln, 21)

	require.NoError(t, cli.Close())
	assert.Equal(t, api.StateClosed, cli.State())

	require.Eventually(t, func() bool { return srv.State() == api.StateClosed }, time.Second, 5*time.Millisecond)
	_, err := srv.Read(10)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Empty(t, p.server.Connections())
	assert.Empty(t, p.client.Connections())
}

func TestManagerClose(t *testing.T) {
	p := newPair(t, substrate.MemOptions{Seed: 1}, fastOptions())
	ln := p.listen(t, 21, 0)
	p.establish(t, ln, 21)

	require.NoError(t, p.server.Close())
	assert.Zero(t, p.server.Stats().Size)
	_, err := p.server.Socket()
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestStatsTask(t *testing.T) {
	n := substrate.NewMemNetwork(substrate.MemOptions{})
	defer n.Close()
	m, err := NewManager(n, Config{LocalAddr: serverAddr, StatsInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 1, m.timers.Count())
	require.NoError(t, m.Close())
	assert.Zero(t, m.timers.Count())
}
