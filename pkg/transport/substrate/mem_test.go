package substrate

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/junbin-yang/rtstream/api"
	"github.com/junbin-yang/rtstream/pkg/transport/segment"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hostA = netip.MustParseAddr("10.0.0.1")
	hostB = netip.MustParseAddr("10.0.0.2")
)

type delivery struct {
	seg   *segment.Segment
	tuple api.FourTuple
}

func collector(ch chan delivery) Handler {
	return func(seg *segment.Segment, tuple api.FourTuple) {
		ch <- delivery{seg: seg, tuple: tuple}
	}
}

func TestMemNetworkDelivers(t *testing.T) {
	n := NewMemNetwork(MemOptions{Seed: 1})
	defer n.Close()

	got := make(chan delivery, 4)
	require.NoError(t, n.Attach(hostB, collector(got)))
	assert.True(t, errors.Is(n.Attach(hostB, collector(got)), ErrAddrInUse))

	seg := segment.New(7, 3, segment.FlagACK, 16, []byte("hello"))
	require.NoError(t, n.Transmit(seg, hostA, 4000, hostB, 21))

	select {
	case d := <-got:
		assert.Equal(t, api.FourTuple{LocalAddr: hostB, LocalPort: 21, RemoteAddr: hostA, RemotePort: 4000}, d.tuple)
		assert.Equal(t, seg.Seq(), d.seg.Seq())
		assert.Equal(t, seg.Ack(), d.seg.Ack())
		assert.Equal(t, seg.Flags(), d.seg.Flags())
		assert.Equal(t, "hello", string(d.seg.Payload()))
	case <-time.After(time.Second):
		t.Fatal("segment not delivered")
	}

	stats := n.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestMemNetworkFaults(t *testing.T) {
	seg := segment.NewData(0, []byte("payload"))

	t.Run("loss", func(t *testing.T) {
		n := NewMemNetwork(MemOptions{Loss: 1, Seed: 1})
		defer n.Close()
		got := make(chan delivery, 4)
		require.NoError(t, n.Attach(hostB, collector(got)))

		for i := 0; i < 10; i++ {
			require.NoError(t, n.Transmit(seg, hostA, 1, hostB, 2))
		}
		assert.Equal(t, uint64(10), n.Stats().Lost)
		assert.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	})

	t.Run("duplicate", func(t *testing.T) {
		n := NewMemNetwork(MemOptions{Duplicate: 1, Seed: 1})
		defer n.Close()
		got := make(chan delivery, 4)
		require.NoError(t, n.Attach(hostB, collector(got)))

		require.NoError(t, n.Transmit(seg, hostA, 1, hostB, 2))
		assert.Eventually(t, func() bool { return len(got) == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, uint64(1), n.Stats().Duplicated)
	})

	t.Run("corrupt", func(t *testing.T) {
		n := NewMemNetwork(MemOptions{Corrupt: 1, Seed: 1})
		defer n.Close()
		got := make(chan delivery, 4)
		require.NoError(t, n.Attach(hostB, collector(got)))

		require.NoError(t, n.Transmit(seg, hostA, 1, hostB, 2))
		assert.Eventually(t, func() bool { return n.Stats().Corrupted == 1 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, got)
	})

	t.Run("unroutable", func(t *testing.T) {
		n := NewMemNetwork(MemOptions{Seed: 1})
		defer n.Close()

		require.NoError(t, n.Transmit(seg, hostA, 1, hostB, 2))
		assert.Eventually(t, func() bool { return n.Stats().Unroutable == 1 }, time.Second, 5*time.Millisecond)
	})
}

func TestMemNetworkJitterReorders(t *testing.T) {
	n := NewMemNetwork(MemOptions{Jitter: 20 * time.Millisecond, Seed: 42})
	defer n.Close()

	got := make(chan delivery, 64)
	require.NoError(t, n.Attach(hostB, collector(got)))

	const total = 32
	for i := 0; i < total; i++ {
		require.NoError(t, n.Transmit(segment.NewData(seqnum.Value(i), []byte{byte(i)}), hostA, 1, hostB, 2))
	}
	require.Eventually(t, func() bool { return len(got) == total }, 2*time.Second, 5*time.Millisecond)

	inOrder := true
	for i := 0; i < total; i++ {
		d := <-got
		if int(d.seg.Seq()) != i {
			inOrder = false
		}
	}
	assert.False(t, inOrder, "随机时延应当打乱顺序")
}

func TestMemNetworkClose(t *testing.T) {
	n := NewMemNetwork(MemOptions{})
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	err := n.Transmit(segment.NewData(0, []byte("x")), hostA, 1, hostB, 2)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(n.Attach(hostA, func(*segment.Segment, api.FourTuple) {}), ErrClosed))
}
