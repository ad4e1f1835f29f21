package packet

import "sync"

// Pool is a bounded free-list of idle packets with allocate-on-miss
// fallback. Contention is expected to be low: each acquisition only moves
// a pointer.
type Pool struct {
	mu          sync.Mutex
	idle        []*Packet
	defaultSize int
	allocated   int64 // total packets ever constructed, for diagnostics
}

// NewPool constructs a pool and pre-allocates initialCount packets of
// initialSize bytes.
func NewPool(initialCount, initialSize int) *Pool {
	p := &Pool{defaultSize: initialSize}
	p.idle = make([]*Packet, 0, initialCount)
	for i := 0; i < initialCount; i++ {
		p.idle = append(p.idle, p.alloc())
	}
	return p
}

func (p *Pool) alloc() *Packet {
	p.allocated++
	return &Packet{
		payload: make([]byte, 0, p.defaultSize),
		pool:    p,
	}
}

// Acquire pops an idle packet from the free list, allocating a fresh one at
// the pool's default size if the list is empty. The returned packet has
// refcount 1, zero code/sender/channel, and an empty payload.
func (p *Pool) Acquire() *Packet {
	p.mu.Lock()
	n := len(p.idle)
	var pk *Packet
	if n > 0 {
		pk = p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
	} else {
		pk = p.alloc()
		p.mu.Unlock()
	}
	pk.reset()
	return pk
}

// recycle returns a count-zero packet to the free list. Called only from
// Packet.Release when its refcount transitions to zero; never call this
// directly on a packet that might still be referenced elsewhere.
func (p *Pool) recycle(pk *Packet) {
	p.mu.Lock()
	p.idle = append(p.idle, pk)
	p.mu.Unlock()
}

// Idle returns the number of packets currently sitting in the free list.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Allocated returns the total number of packets ever constructed by this
// pool, idle or in use.
func (p *Pool) Allocated() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}
