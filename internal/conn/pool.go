package conn

import "sync"

// BufferPool hands out fixed-size byte slices for relay read loops.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns a pool of size-byte buffers.
func NewBufferPool(size int) *BufferPool {
	bp := &BufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

// Get returns a buffer from the pool.
func (p *BufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

// Put returns b to the pool.
func (p *BufferPool) Put(b []byte) {
	// This &b forces a 32-byte heap allocation.  There's no way to avoid this when converting a non-pointer to an interface{}.
	p.pool.Put(&b)
}
