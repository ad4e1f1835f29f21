// Package client implements the symmetric client side of the
// publish/subscribe engine: connect/handshake, a single-writer sender
// goroutine, and a receiver goroutine that dispatches to the shared worker
// pool by packet code.
package client

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"mqbus/pkg/packet"
	"mqbus/pkg/wire"
	"mqbus/pkg/workerpool"
)

// EventKind identifies a client lifecycle event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
)

// PacketHandler processes a packet received from the server. The boolean
// return is reserved for future flow control, matching the server side.
type PacketHandler func(c *Client, pkt *packet.Packet) bool

// EventHandler reacts to CONNECTED/DISCONNECTED.
type EventHandler func(c *Client, kind EventKind)

// Client is one TCP connection to a broker.Server. The zero value is not
// usable; construct with New.
type Client struct {
	pool   *packet.Pool
	work   *workerpool.Pool
	logger zerolog.Logger

	packetHandlers map[wire.Code]PacketHandler
	eventHandlers  map[EventKind]EventHandler

	mu        sync.Mutex
	id        wire.Identifier
	conn      net.Conn
	out       chan *packet.Packet
	connected bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New constructs a disconnected Client sharing a single packet pool and
// worker pool with the rest of the process.
func New(pool *packet.Pool, work *workerpool.Pool, logger zerolog.Logger) *Client {
	return &Client{
		pool:           pool,
		work:           work,
		logger:         logger,
		packetHandlers: make(map[wire.Code]PacketHandler),
		eventHandlers:  make(map[EventKind]EventHandler),
	}
}

// OnPacket registers a handler for a packet code. First-wins. Must be
// called before Connect.
func (c *Client) OnPacket(code wire.Code, h PacketHandler) {
	if _, exists := c.packetHandlers[code]; exists {
		return
	}
	c.packetHandlers[code] = h
}

// OnEvent registers a handler for CONNECTED/DISCONNECTED. First-wins. Must
// be called before Connect.
func (c *Client) OnEvent(kind EventKind, h EventHandler) {
	if _, exists := c.eventHandlers[kind]; exists {
		return
	}
	c.eventHandlers[kind] = h
}

// Connect resolves addr, opens a TCP connection, and immediately writes
// the client's 16-byte identifier (id, or a freshly generated one if the
// zero value is passed). Starts the sender and receiver goroutines.
func (c *Client) Connect(addr string, id wire.Identifier) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("client: already connected")
	}
	if id == wire.Zero {
		id = wire.NewIdentifier()
	}

	nc, err := net.Dial("tcp", addr)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := wire.WriteIdentifier(nc, id); err != nil {
		nc.Close()
		c.mu.Unlock()
		return err
	}

	c.id = id
	c.conn = nc
	c.out = make(chan *packet.Packet, 256)
	c.stopCh = make(chan struct{})
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.senderLoop()
	go c.receiverLoop()

	if h, ok := c.eventHandlers[EventConnected]; ok {
		h(c, EventConnected)
	}

	return nil
}

// ID returns the client's identifier. Only meaningful after a successful
// Connect.
func (c *Client) ID() wire.Identifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// IsConnected reports whether the client currently believes it has an open
// connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the socket, signals both goroutines to exit, and waits
// for them before returning. Flushes any outbound packets still queued.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	close(c.stopCh)
	c.conn.Close()
	c.mu.Unlock()

	c.wg.Wait()

	// Flush anything left in the outbound queue; StopListen-equivalent
	// release rather than send.
	for {
		select {
		case pkt := <-c.out:
			pkt.Release()
		default:
			goto drained
		}
	}
drained:

	if h, ok := c.eventHandlers[EventDisconnected]; ok {
		h(c, EventDisconnected)
	}
}

// Release tears the client down, disconnecting if necessary.
func (c *Client) Release() {
	c.Disconnect()
}

// Send enqueues pkt for delivery to the server, taking ownership of the
// caller's reference. The sender goroutine stamps pkt's sender field with
// the client's own id before writing it.
func (c *Client) Send(pkt *packet.Packet) {
	c.mu.Lock()
	out := c.out
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		pkt.Release()
		return
	}
	out <- pkt
}

// senderLoop is the single writer for the client's socket.
func (c *Client) senderLoop() {
	defer c.wg.Done()
	for {
		select {
		case pkt := <-c.out:
			c.writePacket(pkt)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) writePacket(pkt *packet.Packet) {
	defer pkt.Release()

	pkt.SetSender(c.id)

	hdr := wire.Header{
		Code:       pkt.Code(),
		Sender:     pkt.Sender(),
		Channel:    pkt.Channel(),
		PayloadLen: uint32(len(pkt.Payload())),
	}
	var buf [wire.HeaderSize]byte
	hdr.Encode(buf[:])

	if _, err := c.conn.Write(buf[:]); err != nil {
		return
	}
	if len(pkt.Payload()) > 0 {
		c.conn.Write(pkt.Payload())
	}
}

// receiverLoop reads framed packets from the server and dispatches them to
// the worker pool by code. On close, it hands off a disconnect to the pool
// rather than calling Disconnect directly, since Disconnect waits on this
// very goroutine (avoids self-join).
func (c *Client) receiverLoop() {
	defer c.wg.Done()
	for {
		hdr, err := wire.ReadHeader(c.conn)
		if err != nil {
			c.work.Submit(func() { c.Disconnect() }, 1, false)
			return
		}

		pkt := c.pool.Acquire()
		pkt.SetCode(hdr.Code)
		pkt.SetSender(hdr.Sender)
		pkt.SetChannel(hdr.Channel)

		if hdr.PayloadLen > 0 {
			payload := make([]byte, hdr.PayloadLen)
			if _, err := io.ReadFull(c.conn, payload); err != nil {
				pkt.Release()
				c.work.Submit(func() { c.Disconnect() }, 1, false)
				return
			}
			pkt.SetPayload(payload)
		}

		h, ok := c.packetHandlers[pkt.Code()]
		if !ok {
			pkt.Release()
			continue
		}

		pkt.Retain()
		c.work.Submit(func() {
			h(c, pkt)
			pkt.Release()
		}, 1, false)
		pkt.Release()
	}
}

