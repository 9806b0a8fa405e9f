package stream

import (
	"bytes"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 环形缓冲区在发送端用于暂存未确认数据，在接收端用于向应用交付数据
func TestRingBufferRoundTrip(t *testing.T) {
	for _, capacity := range []int{1, 7, 64, 1024} {
		rb := NewRingBuffer(capacity)
		var written []byte
		chunk := 1
		for rb.Available() > 0 {
			n := chunk
			if n > rb.Available() {
				n = rb.Available()
			}
			p := bytes.Repeat([]byte{byte(len(written))}, n)
			require.NoError(t, rb.Write(p))
			written = append(written, p...)
			chunk++
		}
		assert.True(t, rb.IsFull())

		got := rb.Read(len(written))
		assert.Equal(t, written, got, "容量%d: 读出内容应与写入一致", capacity)
		assert.True(t, rb.IsEmpty())
	}
}

func TestRingBufferWrapAround(t *testing.T) {
	rb := NewRingBuffer(8)
	require.NoError(t, rb.Write([]byte("abcdef")))
	assert.Equal(t, []byte("abcd"), rb.Read(4))

	// 写指针跨越末尾
	require.NoError(t, rb.Write([]byte("ghijkl")))
	assert.Equal(t, 8, rb.Used())
	assert.Equal(t, []byte("efgh"), rb.Peek(4))
	assert.Equal(t, []byte("efghijkl"), rb.Read(100))
}

func TestRingBufferNoPartialWrite(t *testing.T) {
	rb := NewRingBuffer(10)
	require.NoError(t, rb.Write([]byte("12345678")))

	err := rb.Write([]byte("abc"))
	assert.True(t, errors.Is(err, ErrBufferFull))
	assert.Equal(t, 8, rb.Used(), "写入失败时缓冲区状态不变")
	assert.Equal(t, 2, rb.Available())
	assert.Equal(t, []byte("12345678"), rb.Read(10))
}

func TestRingBufferEmptyRead(t *testing.T) {
	rb := NewRingBuffer(4)
	assert.Len(t, rb.Read(10), 0)
	assert.Len(t, rb.Read(0), 0)
	assert.True(t, rb.IsEmpty())
	assert.False(t, rb.IsFull())
}

func TestRingBufferDiscardAndClose(t *testing.T) {
	rb := NewRingBuffer(16)
	require.NoError(t, rb.Write([]byte("hello world")))
	assert.Equal(t, 6, rb.Discard(6))
	assert.Equal(t, []byte("world"), rb.Peek(16))
	assert.Equal(t, 5, rb.Discard(100))

	rb.Close()
	assert.True(t, rb.IsClosed())
	assert.True(t, errors.Is(rb.Write([]byte("x")), ErrConnectionClosed))
	assert.Len(t, rb.Read(1), 0)
}

func TestRingBufferConcurrent(t *testing.T) {
	const total = 64 * 1024
	rb := NewRingBuffer(1024)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			p := []byte{byte(i), byte(i + 1), byte(i + 2), byte(i + 3)}
			if rb.Write(p) == nil {
				i += len(p)
			}
		}
	}()

	got := make([]byte, 0, total)
	for len(got) < total {
		got = append(got, rb.Read(512)...)
	}
	wg.Wait()

	for i := range got {
		require.Equal(t, byte(i), got[i], "偏移%d处数据错乱", i)
	}
}
