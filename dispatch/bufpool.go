package dispatch

import "sync"

// datagramPool recycles the byte slices used to copy a datagram before it
// is handed to the Buffered Packet Store. A caller's raw read buffer (a
// UDP socket read buffer, typically) is not guaranteed to survive past the
// ProcessPacket call that delivered it, so anything the dispatcher decides
// to hold onto past that call must be copied first.
//
// Every slice ever stored in bufferstore.Store by this package is a copy
// obtained from this pool — that invariant is what makes it safe to
// release a drained buffer back into the pool unconditionally.
type datagramPool struct {
	pool sync.Pool
}

func newDatagramPool() *datagramPool {
	return &datagramPool{
		pool: sync.Pool{New: func() any { return make([]byte, 0, 1500) }},
	}
}

// copyOf returns a pooled buffer containing a copy of b.
func (p *datagramPool) copyOf(b []byte) []byte {
	buf := p.pool.Get().([]byte)[:0]
	return append(buf, b...)
}

// release returns b to the pool for reuse. b must have been obtained from
// copyOf and must not be referenced again by the caller.
func (p *datagramPool) release(b []byte) {
	p.pool.Put(b[:0])
}
