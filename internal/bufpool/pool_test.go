package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_GetPut(t *testing.T) {
	pool := New(4096)

	buf := pool.Get(13)
	assert.Len(t, buf, 13)
	assert.Equal(t, 4096, cap(buf))
	pool.Put(buf)

	buf = pool.Get(4096)
	assert.Len(t, buf, 4096)
	assert.Equal(t, 4096, pool.BufSize())
}

func TestPool_ReuseKeepsCapacity(t *testing.T) {
	pool := New(1024)

	buffers := make([][]byte, 10)
	for i := range buffers {
		buffers[i] = pool.Get(i * 10)
		require.Len(t, buffers[i], i*10)
	}
	for _, buf := range buffers {
		pool.Put(buf)
	}
	for i := range buffers {
		buf := pool.Get(100)
		require.Len(t, buf, 100, "reused buffer %d", i)
		require.Equal(t, 1024, cap(buf))
		pool.Put(buf)
	}
}

func TestPool_OversizedRequest(t *testing.T) {
	pool := New(64)

	buf := pool.Get(200)
	assert.Len(t, buf, 200)
	// Dropped rather than pooled.
	pool.Put(buf)
	assert.Equal(t, 64, cap(pool.Get(10)))
}

func TestPool_ForeignBufferDiscarded(t *testing.T) {
	pool := New(4096)
	pool.Put(make([]byte, 1024))

	buf := pool.Get(4096)
	assert.Len(t, buf, 4096)
}

func TestPool_NegativeLength(t *testing.T) {
	pool := New(16)
	assert.Empty(t, pool.Get(-3))
}

func TestPool_PanicOnBadSize(t *testing.T) {
	assert.Panics(t, func() { New(0) })
	assert.Panics(t, func() { New(-1) })
}
