// Package broker implements the server side of the publish/subscribe
// engine: a TCP listener, three mutually-protected subscriber tables, and a
// receive/dispatch/send pipeline built on goroutines rather than the
// original round-robin polling loop (readiness-based multiplexing is an
// explicitly allowed substitution as long as per-subscriber FIFO holds).
package broker

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"mqbus/internal/metrics"
	"mqbus/pkg/packet"
	"mqbus/pkg/wire"
	"mqbus/pkg/workerpool"
)

// Config tunes a Server's runtime behavior.
type Config struct {
	// SendQueueDepth bounds each connection's outbound queue. A slow
	// reader backs up to this depth, after which enqueue blocks the
	// goroutine routing a packet to it (the publishing connection's
	// receive loop, or the caller of Send); the broker applies no
	// further backpressure policy beyond this buffering.
	SendQueueDepth int
}

func (c Config) withDefaults() Config {
	if c.SendQueueDepth <= 0 {
		c.SendQueueDepth = 256
	}
	return c
}

// Server is a publish/subscribe broker endpoint. The zero value is not
// usable; construct with New.
type Server struct {
	cfg Config

	pool   *packet.Pool
	work   *workerpool.Pool
	logger zerolog.Logger
	mx     *metrics.Metrics

	reg    *registry
	tables *tables

	listener net.Listener

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Server. pool and work are shared resources the caller
// owns the lifetime of (typically one packet pool and one worker pool per
// process); mx may be nil.
func New(cfg Config, pool *packet.Pool, work *workerpool.Pool, logger zerolog.Logger, mx *metrics.Metrics) *Server {
	return &Server{
		cfg:    cfg.withDefaults(),
		pool:   pool,
		work:   work,
		logger: logger,
		mx:     mx,
		reg:    newRegistry(),
		tables: newTables(),
	}
}

// OnPacket registers a handler for a packet code. First-wins: a second
// registration for the same code is ignored. Must be called before
// StartListen.
func (s *Server) OnPacket(code wire.Code, h PacketHandler) { s.reg.onPacket(code, h) }

// OnEvent registers a handler for CONNECT/DISCONNECT. First-wins. Must be
// called before StartListen.
func (s *Server) OnEvent(kind EventKind, h EventHandler) { s.reg.onEvent(kind, h) }

// StartListen binds addr (host:port, or :port for all interfaces) and
// starts the accept loop plus one receive/send goroutine pair per
// connection. Returns an error if the bind fails.
func (s *Server) StartListen(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("broker: already listening")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.stopCh = make(chan struct{})
	s.started = true

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// StopListen signals shutdown, closes the listener, and waits for the
// accept loop and every connection's goroutines to exit. Outstanding
// outbound packets are released, not sent.
func (s *Server) StopListen() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.listener.Close()
	s.mu.Unlock()

	for _, conn := range s.tables.allConnections() {
		conn.close()
	}

	s.wg.Wait()
}

// Release tears down the server. Safe to call after StopListen or on a
// server that was never started.
func (s *Server) Release() {
	s.StopListen()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Error().Err(err).Msg("broker: accept failed")
				return
			}
		}
		s.wg.Add(1)
		go s.handleConnection(nc)
	}
}

// handleConnection performs the handshake, registers the connection in all
// three tables, fires CONNECT, then runs the sender goroutine and receive
// loop until the peer closes or the server stops.
func (s *Server) handleConnection(nc net.Conn) {
	defer s.wg.Done()

	id, err := wire.ReadIdentifier(nc)
	if err != nil {
		nc.Close()
		if s.mx != nil {
			s.mx.ConnectionFailed()
		}
		return
	}

	conn := newConnection(id, nc, s.cfg.SendQueueDepth)
	s.tables.addConnection(conn)
	// A freshly connected client is a singleton channel subscribed to
	// itself, enabling unicast replies by addressing the recipient's own id.
	s.tables.subscribe(id, id)

	if s.mx != nil {
		s.mx.ConnectionOpened()
		s.mx.RoutingTableSize(s.tables.channelCount())
	}

	if h, ok := s.reg.eventHandler(EventConnect); ok {
		h(s, EventConnect, id)
	}

	s.wg.Add(1)
	go s.senderLoop(conn)

	s.receiveLoop(conn)

	conn.close()
	s.tables.removeConnection(id)
	s.tables.dropSubscriber(id)

	if s.mx != nil {
		s.mx.ConnectionClosed()
		s.mx.RoutingTableSize(s.tables.channelCount())
	}

	if h, ok := s.reg.eventHandler(EventDisconnect); ok {
		h(s, EventDisconnect, id)
	}
}

// senderLoop is the single writer for conn's socket; it drains conn.out
// until the connection closes, then releases whatever is still queued.
func (s *Server) senderLoop(conn *connection) {
	defer s.wg.Done()
	for {
		select {
		case pkt, ok := <-conn.out:
			if !ok {
				return
			}
			s.writePacket(conn, pkt)
		case <-conn.closed:
			for {
				select {
				case pkt := <-conn.out:
					pkt.Release()
				default:
					return
				}
			}
		}
	}
}

func (s *Server) writePacket(conn *connection, pkt *packet.Packet) {
	defer pkt.Release()

	hdr := wire.Header{
		Code:       pkt.Code(),
		Sender:     pkt.Sender(),
		Channel:    pkt.Channel(),
		PayloadLen: uint32(len(pkt.Payload())),
	}
	var buf [wire.HeaderSize]byte
	hdr.Encode(buf[:])

	if _, err := conn.conn.Write(buf[:]); err != nil {
		s.logTransientOrWarn(err, conn.id)
		conn.close()
		return
	}
	if len(pkt.Payload()) > 0 {
		if _, err := conn.conn.Write(pkt.Payload()); err != nil {
			s.logTransientOrWarn(err, conn.id)
			conn.close()
			return
		}
	}
	if s.mx != nil {
		s.mx.BytesSent(wire.HeaderSize + len(pkt.Payload()))
	}
}

// receiveLoop reads framed packets from conn until a short read or socket
// error ends the connection.
func (s *Server) receiveLoop(conn *connection) {
	for {
		hdr, err := wire.ReadHeader(conn.conn)
		if err != nil {
			return
		}

		pkt := s.pool.Acquire()
		pkt.SetCode(hdr.Code)
		pkt.SetChannel(hdr.Channel)
		pkt.SetSender(conn.id) // handshake trust: never the header's sender field

		if hdr.PayloadLen > 0 {
			payload := make([]byte, hdr.PayloadLen)
			if _, err := io.ReadFull(conn.conn, payload); err != nil {
				pkt.Release()
				return
			}
			pkt.SetPayload(payload)
		}

		if s.mx != nil {
			s.mx.BytesReceived(wire.HeaderSize + int(hdr.PayloadLen))
		}

		s.routeAndDispatch(pkt)
	}
}

// routeAndDispatch fans the packet out to its channel's other subscribers,
// then (independently) hands it to a registered code handler on the
// worker pool. Each consumer that wants to
// keep the packet alive past this function must have incremented the
// refcount itself; routeAndDispatch's own implicit reference (from
// Acquire) is released at the end.
func (s *Server) routeAndDispatch(pkt *packet.Packet) {
	defer pkt.Release()

	if pkt.Channel() != wire.Zero {
		subs := s.tables.listSubscribers(pkt.Channel())
		delivered := 0
		for _, sub := range subs {
			if sub == pkt.Sender() {
				continue
			}
			target, ok := s.tables.getConnection(sub)
			if !ok {
				continue
			}
			pkt.Retain()
			if target.enqueue(pkt) {
				delivered++
			}
		}
		if delivered > 0 && s.mx != nil {
			s.mx.PacketRouted()
		} else if delivered == 0 && len(subs) > 0 && s.mx != nil {
			s.mx.PacketDropped("no_other_subscriber")
		}
	} else if s.mx != nil {
		s.mx.PacketDropped("zero_channel")
	}

	if h, ok := s.reg.packetHandler(pkt.Code()); ok {
		pkt.Retain()
		s.work.Submit(func() {
			if !h(s, pkt) && s.mx != nil {
				s.mx.HandlerError(pkt.Code().String())
			}
			pkt.Release()
		}, 1, false)
	}
}

// Send enqueues pkt for routing exactly as if it had arrived from a
// network connection: it is fanned out to pkt.Channel()'s subscribers
// (excluding pkt.Sender()) and, if a handler is registered for its code,
// dispatched to the worker pool. Takes ownership of the caller's
// reference.
func (s *Server) Send(pkt *packet.Packet) {
	s.routeAndDispatch(pkt)
}

// Subscribe adds subscriber to channel. Returns false if subscriber is not
// a currently connected client.
func (s *Server) Subscribe(channel, subscriber wire.Identifier) bool {
	ok := s.tables.subscribe(channel, subscriber)
	if ok && s.mx != nil {
		s.mx.RoutingTableSize(s.tables.channelCount())
		s.mx.SubscriberSetSize(s.tables.subscriberCount(channel))
	}
	return ok
}

// Unsubscribe removes subscriber from channel.
func (s *Server) Unsubscribe(channel, subscriber wire.Identifier) {
	s.tables.unsubscribe(channel, subscriber)
	if s.mx != nil {
		s.mx.RoutingTableSize(s.tables.channelCount())
	}
}

// ListSubscribers returns a snapshot of channel's current subscriber set.
func (s *Server) ListSubscribers(channel wire.Identifier) []wire.Identifier {
	return s.tables.listSubscribers(channel)
}

// NewPacket acquires a fresh packet from the server's shared pool, with
// zero code/sender/channel and an empty payload.
func (s *Server) NewPacket() *packet.Packet { return s.pool.Acquire() }

// ConnectionCount returns the number of currently open connections.
func (s *Server) ConnectionCount() int { return s.tables.connectionCount() }

// ChannelCount returns the number of channels with at least one subscriber.
func (s *Server) ChannelCount() int { return s.tables.channelCount() }

func (s *Server) logTransientOrWarn(err error, id wire.Identifier) {
	if isTransientSocketError(err) {
		return
	}
	s.logger.Warn().Err(err).Str("connection", id.String()).Msg("broker: send failed")
}

// isTransientSocketError reports whether err is one of the socket error
// kinds the design mandates swallowing during send (not-connected, shut
// down, connection aborted/reset, broken pipe, or an already-closed
// connection): the peer's own close will drive cleanup, so these are not
// worth a warning log.
func isTransientSocketError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ESHUTDOWN) || errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	return false
}
