package directory

import (
	"net/netip"
	"testing"

	"github.com/junbin-yang/rtstream/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tuple = api.FourTuple{
	LocalAddr:  netip.MustParseAddr("10.0.0.1"),
	LocalPort:  4000,
	RemoteAddr: netip.MustParseAddr("10.0.0.2"),
	RemotePort: 21,
}

func TestTableInsertAndLookup(t *testing.T) {
	tbl := New[string](nil)

	h, err := tbl.Insert("client")
	require.NoError(t, err)
	assert.NotEqual(t, InvalidHandle, h)

	v, ok := tbl.Get(h)
	require.True(t, ok)
	assert.Equal(t, "client", v)

	_, _, ok = tbl.Lookup(tuple)
	assert.False(t, ok, "未登记四元组前查不到")

	require.NoError(t, tbl.Connect(h, tuple))
	got, v, ok := tbl.Lookup(tuple)
	require.True(t, ok)
	assert.Equal(t, h, got)
	assert.Equal(t, "client", v)

	_, _, ok = tbl.Lookup(tuple.Reverse())
	assert.False(t, ok)

	other, err := tbl.Insert("other")
	require.NoError(t, err)
	assert.True(t, errors.Is(tbl.Connect(other, tuple), ErrTupleInUse))

	stats := tbl.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestTableHandlesNotReused(t *testing.T) {
	var removed []Handle
	tbl := New(&Config[int]{OnRemove: func(h Handle, _ int) { removed = append(removed, h) }})

	h1, err := tbl.Insert(1)
	require.NoError(t, err)
	require.NoError(t, tbl.Connect(h1, tuple))
	require.True(t, tbl.Remove(h1))
	assert.False(t, tbl.Remove(h1))
	assert.Equal(t, []Handle{h1}, removed)

	h2, err := tbl.Insert(2)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	_, ok := tbl.Get(h1)
	assert.False(t, ok, "已移除的句柄失效")
	assert.True(t, errors.Is(tbl.Connect(h1, tuple), ErrNotFound))

	// 四元组随句柄一起释放
	require.NoError(t, tbl.Connect(h2, tuple))
}

func TestTableListeners(t *testing.T) {
	tbl := New[string](nil)
	addr := netip.MustParseAddr("10.0.0.2")

	wild, err := tbl.Insert("any")
	require.NoError(t, err)
	require.NoError(t, tbl.Listen(wild, netip.IPv4Unspecified(), 21))

	h, v, ok := tbl.Listener(addr, 21)
	require.True(t, ok, "通配地址匹配所有本地地址")
	assert.Equal(t, wild, h)
	assert.Equal(t, "any", v)

	exact, err := tbl.Insert("exact")
	require.NoError(t, err)
	require.NoError(t, tbl.Listen(exact, addr, 21))
	h, _, _ = tbl.Listener(addr, 21)
	assert.Equal(t, exact, h, "精确地址优先")

	dup, err := tbl.Insert("dup")
	require.NoError(t, err)
	assert.True(t, errors.Is(tbl.Listen(dup, addr, 21), ErrListenInUse))

	_, _, ok = tbl.Listener(addr, 22)
	assert.False(t, ok)

	assert.True(t, tbl.PortInUse(addr, 21))
	assert.False(t, tbl.PortInUse(addr, 22))

	tbl.Remove(exact)
	h, _, _ = tbl.Listener(addr, 21)
	assert.Equal(t, wild, h)
	assert.Equal(t, 1, tbl.Stats().Listeners)
}

func TestTablePortInUseByConnection(t *testing.T) {
	tbl := New[int](nil)
	h, err := tbl.Insert(0)
	require.NoError(t, err)
	require.NoError(t, tbl.Connect(h, tuple))

	assert.True(t, tbl.PortInUse(tuple.LocalAddr, tuple.LocalPort))
	assert.False(t, tbl.PortInUse(tuple.RemoteAddr, tuple.LocalPort))
}

func TestTableFull(t *testing.T) {
	tbl := New(&Config[int]{MaxEntries: 2})
	for i := 0; i < 2; i++ {
		_, err := tbl.Insert(i)
		require.NoError(t, err)
	}
	_, err := tbl.Insert(3)
	assert.True(t, errors.Is(err, ErrFull))
	assert.Len(t, tbl.Handles(), 2)

	count := 0
	tbl.Range(func(Handle, int) bool { count++; return false })
	assert.Equal(t, 1, count)
}
