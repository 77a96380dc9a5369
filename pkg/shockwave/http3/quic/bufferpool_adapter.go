package quic

import "github.com/shockwave/h3mux/pkg/shockwave"

// sizeClassBufferPool adapts the size-class pool of pkg/shockwave onto
// the quic.BufferPool interface a Flusher draws its cipher datagram
// buffers from, rather than a separate ad hoc pool.
type sizeClassBufferPool struct {
	pool *shockwave.BufferPool
}

// NewSizeClassBufferPool wraps pool as a quic.BufferPool. Passing nil
// wraps a new pool of its own, not the package's shared global pool.
func NewSizeClassBufferPool(pool *shockwave.BufferPool) BufferPool {
	if pool == nil {
		pool = shockwave.NewBufferPool()
	}
	return &sizeClassBufferPool{pool: pool}
}

func (p *sizeClassBufferPool) Acquire(minCapacity int) (Buffer, error) {
	return p.pool.Get(minCapacity), nil
}

func (p *sizeClassBufferPool) Release(buf Buffer) {
	p.pool.PutWithReset(buf)
}
