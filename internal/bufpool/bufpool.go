// Package bufpool rents large byte buffers for blob reads and inflation
package bufpool

import (
	"sync"

	"github.com/c2h5oh/datasize"

	"github.com/wegman-software/osmindex/internal/metrics"
)

// DefaultSize covers typical planet blobs; larger requests allocate exactly
const DefaultSize = 16 * datasize.MB

// Pool hands out buffers of at least Size bytes. It is safe for concurrent use.
// Buffers must be given back with Put on every path, including errors.
type Pool struct {
	size int
	pool sync.Pool
}

// New creates a pool of buffers of at least size bytes
func New(size datasize.ByteSize) *Pool {
	if size < 16*datasize.MB {
		size = 16 * datasize.MB
	}
	return &Pool{size: int(size)}
}

// Size returns the minimum capacity of rented buffers
func (p *Pool) Size() int {
	return p.size
}

// Get rents a zero-length buffer with capacity of at least n bytes
func (p *Pool) Get(n int) []byte {
	if v := p.pool.Get(); v != nil {
		b := *(v.(*[]byte))
		if cap(b) >= n {
			return b[:0]
		}
		// too small for this request, keep it for someone else
		p.pool.Put(v)
	}
	metrics.BufferPoolMisses.Inc()
	return make([]byte, 0, max(n, p.size))
}

// Put returns a buffer to the pool
func (p *Pool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:0]
	p.pool.Put(&b)
}
