package broker

import (
	"net"
	"sync"

	"mqbus/pkg/packet"
	"mqbus/pkg/wire"
)

// connection is one accepted TCP connection: the socket, its declared
// identity, and the single-writer outbound queue that the sender goroutine
// drains. enqueue() is the only way application code or the receiver loop may
// write to conn; it never writes directly.
type connection struct {
	id   wire.Identifier
	conn net.Conn
	out  chan *packet.Packet

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(id wire.Identifier, nc net.Conn, queueDepth int) *connection {
	return &connection{
		id:     id,
		conn:   nc,
		out:    make(chan *packet.Packet, queueDepth),
		closed: make(chan struct{}),
	}
}

// enqueue hands pkt to the connection's writer. The caller retains its
// reference count contract: enqueue does not take a reference, the caller
// must have already incremented for this handoff.
func (c *connection) enqueue(pkt *packet.Packet) bool {
	select {
	case c.out <- pkt:
		return true
	case <-c.closed:
		pkt.Release()
		return false
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// idSet is a simple set of identifiers.
type idSet map[wire.Identifier]struct{}

func (s idSet) add(id wire.Identifier)      { s[id] = struct{}{} }
func (s idSet) remove(id wire.Identifier)   { delete(s, id) }
func (s idSet) contains(id wire.Identifier) bool { _, ok := s[id]; return ok }

// tables bundles the connection, routing, and listening maps. Each has its
// own mutex; whenever more than one must be held at once, the order is
// always connection -> routing -> listening, never the reverse, to rule
// out deadlock by construction. In practice every method below releases
// each lock before acquiring the next rather than nesting them, so no two
// of the three are ever held simultaneously; the ordering is preserved
// here as a constraint on future changes, not because today's code needs
// it to avoid deadlock.
type tables struct {
	connMu sync.Mutex
	conns  map[wire.Identifier]*connection

	routeMu sync.Mutex
	routing map[wire.Identifier]idSet // channel -> subscribers

	listenMu sync.Mutex
	listening map[wire.Identifier]idSet // subscriber -> channels
}

func newTables() *tables {
	return &tables{
		conns:     make(map[wire.Identifier]*connection),
		routing:   make(map[wire.Identifier]idSet),
		listening: make(map[wire.Identifier]idSet),
	}
}

func (t *tables) addConnection(c *connection) {
	t.connMu.Lock()
	t.conns[c.id] = c
	t.connMu.Unlock()
}

func (t *tables) getConnection(id wire.Identifier) (*connection, bool) {
	t.connMu.Lock()
	c, ok := t.conns[id]
	t.connMu.Unlock()
	return c, ok
}

func (t *tables) removeConnection(id wire.Identifier) {
	t.connMu.Lock()
	delete(t.conns, id)
	t.connMu.Unlock()
}

func (t *tables) connectionCount() int {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return len(t.conns)
}

// allConnections returns a snapshot of every currently open connection,
// used by StopListen to close them all on shutdown.
func (t *tables) allConnections() []*connection {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	out := make([]*connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

// subscribe adds subscriber to channel's routing set and channel to
// subscriber's listening set: the two maps are always updated together.
// Returns false (no-op) if subscriber is not a known connection.
func (t *tables) subscribe(channel, subscriber wire.Identifier) bool {
	t.connMu.Lock()
	_, known := t.conns[subscriber]
	t.connMu.Unlock()
	if !known {
		return false
	}

	t.routeMu.Lock()
	subs, ok := t.routing[channel]
	if !ok {
		subs = make(idSet)
		t.routing[channel] = subs
	}
	subs.add(subscriber)
	t.routeMu.Unlock()

	t.listenMu.Lock()
	chans, ok := t.listening[subscriber]
	if !ok {
		chans = make(idSet)
		t.listening[subscriber] = chans
	}
	chans.add(channel)
	t.listenMu.Unlock()

	return true
}

// unsubscribe removes subscriber from channel, pruning empty entries on
// both sides of the mapping.
func (t *tables) unsubscribe(channel, subscriber wire.Identifier) {
	t.routeMu.Lock()
	if subs, ok := t.routing[channel]; ok {
		subs.remove(subscriber)
		if len(subs) == 0 {
			delete(t.routing, channel)
		}
	}
	t.routeMu.Unlock()

	t.listenMu.Lock()
	if chans, ok := t.listening[subscriber]; ok {
		chans.remove(channel)
		if len(chans) == 0 {
			delete(t.listening, subscriber)
		}
	}
	t.listenMu.Unlock()
}

// listSubscribers returns a snapshot slice of channel's current subscriber
// set. A nil/empty result distinguishes "unknown channel" the same way.
func (t *tables) listSubscribers(channel wire.Identifier) []wire.Identifier {
	t.routeMu.Lock()
	defer t.routeMu.Unlock()
	subs, ok := t.routing[channel]
	if !ok {
		return nil
	}
	out := make([]wire.Identifier, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

func (t *tables) subscriberCount(channel wire.Identifier) int {
	t.routeMu.Lock()
	defer t.routeMu.Unlock()
	return len(t.routing[channel])
}

func (t *tables) channelCount() int {
	t.routeMu.Lock()
	defer t.routeMu.Unlock()
	return len(t.routing)
}

// dropSubscriber removes id from every channel it was listening to (used on
// disconnect), returning the channels it was removed from.
func (t *tables) dropSubscriber(id wire.Identifier) []wire.Identifier {
	t.listenMu.Lock()
	chans, ok := t.listening[id]
	if !ok {
		t.listenMu.Unlock()
		return nil
	}
	result := make([]wire.Identifier, 0, len(chans))
	for ch := range chans {
		result = append(result, ch)
	}
	delete(t.listening, id)
	t.listenMu.Unlock()

	t.routeMu.Lock()
	for _, ch := range result {
		if subs, ok := t.routing[ch]; ok {
			subs.remove(id)
			if len(subs) == 0 {
				delete(t.routing, ch)
			}
		}
	}
	t.routeMu.Unlock()

	return result
}
