// Package packet implements the broker's reference-counted, pool-recycled
// packet type.
package packet

import (
	"sync/atomic"

	"mqbus/pkg/wire"
)

// Packet is a framed message: a fixed header plus a variable-length payload.
// It owns its payload buffer, which never shrinks on reuse (SetPayload grows
// the backing array on demand but keeps the larger capacity across
// releases). Packets are never constructed directly by application code;
// they come from a Pool via Acquire and must be returned via Release.
type Packet struct {
	code    wire.Code
	sender  wire.Identifier
	channel wire.Identifier
	payload []byte // len == current payload length, cap may be larger

	refs int32 // atomic; 0 means idle, owned by the pool's free list
	pool *Pool
}

// Code returns the packet's four-character code.
func (p *Packet) Code() wire.Code { return p.code }

// SetCode sets the packet's four-character code.
func (p *Packet) SetCode(c wire.Code) { p.code = c }

// Sender returns the identifier of the packet's sender. The client engine
// overwrites this field on transmit and the server engine on receipt;
// a packet the server originates through Server.Send keeps the sender the
// application set (zero for a fresh packet).
func (p *Packet) Sender() wire.Identifier { return p.sender }

// SetSender stamps the sender identifier. The engines call it with the
// identifier of the connection the packet arrived on or is queued to leave
// on; the server never trusts the sender field from the wire.
func (p *Packet) SetSender(id wire.Identifier) { p.sender = id }

// Channel returns the packet's routing channel (also called "context").
func (p *Packet) Channel() wire.Identifier { return p.channel }

// SetChannel sets the packet's routing channel.
func (p *Packet) SetChannel(ch wire.Identifier) { p.channel = ch }

// Payload returns the packet's current payload bytes. The returned slice
// aliases the packet's internal buffer and is only valid until the next
// SetPayload call or Release.
func (p *Packet) Payload() []byte { return p.payload }

// SetPayload copies data into the packet's buffer, growing the backing
// array if needed (the allocation never shrinks). A nil or zero-length
// data is valid and results in an empty payload.
func (p *Packet) SetPayload(data []byte) {
	n := len(data)
	if cap(p.payload) < n {
		p.payload = make([]byte, n)
	} else {
		p.payload = p.payload[:n]
	}
	copy(p.payload, data)
}

// Retain increments the packet's reference count. Every fan-out point in
// the server and client engines (routing enqueue, handler dispatch) must
// call Retain before handing the packet to another goroutine, and that
// goroutine must call Release exactly once when done.
func (p *Packet) Retain() {
	atomic.AddInt32(&p.refs, 1)
}

// Release decrements the reference count. When it reaches zero the packet
// is returned to its pool. A release that would decrement an already-idle
// packet's count below zero is a no-op (double-release guard); it does not
// re-enqueue the packet.
func (p *Packet) Release() {
	n := atomic.AddInt32(&p.refs, -1)
	switch {
	case n == 0:
		p.pool.recycle(p)
	case n < 0:
		atomic.StoreInt32(&p.refs, 0)
	}
}

func (p *Packet) reset() {
	p.code = 0
	p.sender = wire.Zero
	p.channel = wire.Zero
	p.payload = p.payload[:0]
	atomic.StoreInt32(&p.refs, 1)
}
