package bufpool

import (
	"sync"
)

// Pool hands out frame buffers with a fixed capacity. The mux encoder takes
// one per outgoing frame and returns it once the frame is on the wire.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool whose buffers have capacity bufSize.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

// Get returns a buffer of length n. Requests larger than the pool's buffer
// size are served by a fresh allocation that Put will later drop.
func (p *Pool) Get(n int) []byte {
	if n < 0 {
		n = 0
	}
	if n > p.bufSize {
		return make([]byte, n)
	}
	bp := p.pool.Get().(*[]byte)
	return (*bp)[:n]
}

// Put returns a buffer obtained from Get. Buffers whose capacity differs from
// the pool's size are discarded.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// BufSize returns the capacity of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
