// Package bufpool pools fixed-size scratch buffers so the orchestrator's
// per-chunk copies don't allocate on every send/receive.
package bufpool

import (
	"sync"
)

// Pool hands out buffers of exactly one size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool that returns buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, bufSize)
			},
		},
	}
}

// Get returns a buffer of exactly BufSize() bytes.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns buf to the pool. Buffers smaller than BufSize() are
// discarded rather than pooled, since Get() would have to reallocate
// them anyway.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	p.pool.Put(buf[:cap(buf)])
}

// BufSize returns the fixed size of buffers this pool hands out.
func (p *Pool) BufSize() int {
	return p.bufSize
}

var shared sync.Map // map[int]*Pool

// Shared returns a process-wide Pool for bufSize, creating it on first
// use. A chunkwire-server binds one Orchestrator per accepted
// connection; connections negotiating the same max_chunk_size_bytes
// (the common case, since it's a server-wide config value) share
// scratch buffers instead of each connection growing its own pool from
// empty.
func Shared(bufSize int) *Pool {
	if p, ok := shared.Load(bufSize); ok {
		return p.(*Pool)
	}
	p := New(bufSize)
	actual, _ := shared.LoadOrStore(bufSize, p)
	return actual.(*Pool)
}
