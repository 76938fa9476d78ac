// Package bufpool pools the plaintext/ciphertext chunk buffers allocated on
// every hash-warmup and encrypt-pass iteration, so a long-running pack of a
// large file does not churn the allocator once per chunk. Buffers are
// zeroized before being returned to the pool since they may have held
// plaintext.
package bufpool

import "sync"

// Pool hands out buffers sized to one chunker size class. A pipeline run
// keeps exactly one Pool alive for the duration of its two passes.
type Pool struct {
	size int
	pool *sync.Pool
}

// New creates a pool of buffers of exactly size bytes. size is normally the
// configured chunk size; requests for other lengths always miss the pool.
func New(size int) *Pool {
	return &Pool{
		size: size,
		// New returns nil rather than a fresh buffer so Get can tell a
		// genuine reuse apart from sync.Pool falling back to allocation.
		pool: &sync.Pool{New: func() interface{} { return nil }},
	}
}

// Get returns a buffer of exactly n bytes. hit reports whether an existing
// buffer was reused from the pool rather than freshly allocated; callers use
// it purely to label a buffer-pool hit/miss metric.
func (p *Pool) Get(n int) (buf []byte, hit bool) {
	if n != p.size {
		return make([]byte, n), false
	}
	if v := p.pool.Get(); v != nil {
		b := *(v.(*[]byte))
		return b[:n], true
	}
	return make([]byte, n), false
}

// Put returns buf to the pool after zeroizing it. Buffers whose capacity
// doesn't match the pool's size class are dropped for the GC to collect.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	b := buf[:cap(buf)]
	p.pool.Put(&b)
}
