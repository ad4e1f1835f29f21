package broker_test

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mqbus/pkg/broker"
	"mqbus/pkg/packet"
	"mqbus/pkg/wire"
	"mqbus/pkg/workerpool"
)

// rawConn is a hand-rolled client speaking the wire protocol directly,
// used to test server behavior independent of pkg/client.
type rawConn struct {
	id   wire.Identifier
	conn net.Conn
}

func dialRaw(t *testing.T, addr string, id wire.Identifier) *rawConn {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := wire.WriteIdentifier(nc, id); err != nil {
		t.Fatalf("handshake write: %v", err)
	}
	return &rawConn{id: id, conn: nc}
}

func (r *rawConn) send(t *testing.T, code wire.Code, channel wire.Identifier, payload []byte) {
	t.Helper()
	hdr := wire.Header{Code: code, Sender: r.id, Channel: channel, PayloadLen: uint32(len(payload))}
	var buf [wire.HeaderSize]byte
	hdr.Encode(buf[:])
	if _, err := r.conn.Write(buf[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if len(payload) > 0 {
		if _, err := r.conn.Write(payload); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
}

func (r *rawConn) recv(t *testing.T, timeout time.Duration) (wire.Header, []byte) {
	t.Helper()
	r.conn.SetReadDeadline(time.Now().Add(timeout))
	hdr, err := wire.ReadHeader(r.conn)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	payload := make([]byte, hdr.PayloadLen)
	if hdr.PayloadLen > 0 {
		if _, err := ioReadFull(r.conn, payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
	}
	return hdr, payload
}

func (r *rawConn) expectNothing(t *testing.T, timeout time.Duration) {
	t.Helper()
	r.conn.SetReadDeadline(time.Now().Add(timeout))
	var buf [1]byte
	n, err := r.conn.Read(buf[:])
	if err == nil && n > 0 {
		t.Fatalf("expected no data, got a byte")
	}
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func listenAndStart(t *testing.T, srv *broker.Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	if err := srv.StartListen(addr); err != nil {
		t.Fatalf("StartListen: %v", err)
	}
	return addr
}

func newServer(t *testing.T) (*broker.Server, string) {
	t.Helper()
	pool := packet.NewPool(4, 64)
	work := workerpool.New(2, zerolog.Nop())
	srv := broker.New(broker.Config{SendQueueDepth: 16}, pool, work, zerolog.Nop(), nil)

	srv.OnPacket(wire.CodeJOIN, func(s *broker.Server, pkt *packet.Packet) bool {
		return s.Subscribe(pkt.Channel(), pkt.Sender())
	})
	srv.OnPacket(wire.CodeQUIT, func(s *broker.Server, pkt *packet.Packet) bool {
		s.Unsubscribe(pkt.Channel(), pkt.Sender())
		return true
	})
	srv.OnPacket(wire.CodeHELO, func(s *broker.Server, pkt *packet.Packet) bool {
		reply := s.NewPacket()
		reply.SetCode(wire.CodeHIYA)
		reply.SetChannel(pkt.Sender())
		s.Send(reply)
		return true
	})

	addr := listenAndStart(t, srv)
	t.Cleanup(func() {
		srv.StopListen()
		work.Stop()
	})
	return srv, addr
}

func idFromBytes(b byte) wire.Identifier {
	var id wire.Identifier
	id[0] = b
	return id
}

// Scenario 1: HELO/HIYA handshake.
func TestHeloHiyaHandshake(t *testing.T) {
	_, addr := newServer(t)
	c := dialRaw(t, addr, idFromBytes(0x11))
	c.send(t, wire.CodeHELO, wire.Zero, nil)

	hdr, payload := c.recv(t, time.Second)
	if hdr.Code != wire.CodeHIYA {
		t.Fatalf("code = %v, want HIYA", hdr.Code)
	}
	if hdr.Channel != c.id {
		t.Fatalf("channel = %v, want client's own id", hdr.Channel)
	}
	if len(payload) != 0 {
		t.Fatalf("payload = %v, want empty", payload)
	}
}

// Scenario 2 & P3/P7: JOIN then broadcast, no self-echo.
func TestJoinThenBroadcastNoSelfEcho(t *testing.T) {
	_, addr := newServer(t)
	channel := idFromBytes(0x7b)

	a := dialRaw(t, addr, idFromBytes(0xAA))
	b := dialRaw(t, addr, idFromBytes(0xBB))

	a.send(t, wire.CodeJOIN, channel, nil)
	b.send(t, wire.CodeJOIN, channel, nil)
	time.Sleep(50 * time.Millisecond) // let JOIN handlers land

	a.send(t, wire.CodeTEXT, channel, []byte("hi\x00"))

	hdr, payload := b.recv(t, time.Second)
	if hdr.Code != wire.CodeTEXT || hdr.Sender != a.id {
		t.Fatalf("got code=%v sender=%v, want TEXT from A", hdr.Code, hdr.Sender)
	}
	if string(payload) != "hi\x00" {
		t.Fatalf("payload = %q", payload)
	}

	a.expectNothing(t, 100*time.Millisecond)
}

// Scenario 3: QUIT leaves others.
func TestQuitLeavesOthers(t *testing.T) {
	_, addr := newServer(t)
	channel := idFromBytes(0x7b)

	a := dialRaw(t, addr, idFromBytes(0xAA))
	b := dialRaw(t, addr, idFromBytes(0xBB))

	a.send(t, wire.CodeJOIN, channel, nil)
	b.send(t, wire.CodeJOIN, channel, nil)
	time.Sleep(50 * time.Millisecond)

	a.send(t, wire.CodeQUIT, channel, nil)
	time.Sleep(50 * time.Millisecond)

	b.send(t, wire.CodeTEXT, channel, []byte("hi"))
	b.expectNothing(t, 150*time.Millisecond)
}

// P8: zero-channel packets are never routed.
func TestZeroChannelIsolation(t *testing.T) {
	srv, addr := newServer(t)
	a := dialRaw(t, addr, idFromBytes(0x01))
	b := dialRaw(t, addr, idFromBytes(0x02))

	ch := idFromBytes(0x99)
	srv.Subscribe(ch, a.id)
	srv.Subscribe(ch, b.id)
	time.Sleep(20 * time.Millisecond)

	a.send(t, wire.CodePING, wire.Zero, nil)
	b.expectNothing(t, 150*time.Millisecond)
}

// P5: disconnect cleanup, DISCONNECT event fires, subscriber tables clear.
func TestDisconnectCleanup(t *testing.T) {
	pool := packet.NewPool(4, 64)
	work := workerpool.New(2, zerolog.Nop())
	srv := broker.New(broker.Config{}, pool, work, zerolog.Nop(), nil)

	events := make(chan broker.EventKind, 4)
	srv.OnEvent(broker.EventConnect, func(s *broker.Server, kind broker.EventKind, id wire.Identifier) {
		events <- kind
	})
	srv.OnEvent(broker.EventDisconnect, func(s *broker.Server, kind broker.EventKind, id wire.Identifier) {
		events <- kind
	})

	addr := listenAndStart(t, srv)
	defer func() { srv.StopListen(); work.Stop() }()

	id := idFromBytes(0x42)
	c := dialRaw(t, addr, id)

	if got := <-events; got != broker.EventConnect {
		t.Fatalf("expected CONNECT first, got %v", got)
	}

	c.conn.Close()
	time.Sleep(100 * time.Millisecond)

	if got := <-events; got != broker.EventDisconnect {
		t.Fatalf("expected DISCONNECT, got %v", got)
	}
	if subs := srv.ListSubscribers(id); len(subs) != 0 {
		t.Fatalf("subscriber set for own channel should be empty after disconnect, got %v", subs)
	}
}

// Scenario 5: zero-length payload round-trips cleanly.
func TestShortPayload(t *testing.T) {
	_, addr := newServer(t)
	ch := idFromBytes(0x10)
	a := dialRaw(t, addr, idFromBytes(0x01))
	b := dialRaw(t, addr, idFromBytes(0x02))

	a.send(t, wire.CodeJOIN, ch, nil)
	b.send(t, wire.CodeJOIN, ch, nil)
	time.Sleep(50 * time.Millisecond)

	a.send(t, wire.CodePING, ch, nil)
	hdr, payload := b.recv(t, time.Second)
	if hdr.PayloadLen != 0 || len(payload) != 0 {
		t.Fatalf("expected zero-length payload, got %d", hdr.PayloadLen)
	}
}

// Scenario 6: large payload round trip.
func TestLargePayloadRoundTrip(t *testing.T) {
	_, addr := newServer(t)
	ch := idFromBytes(0x20)
	a := dialRaw(t, addr, idFromBytes(0x01))
	b := dialRaw(t, addr, idFromBytes(0x02))

	a.send(t, wire.CodeJOIN, ch, nil)
	b.send(t, wire.CodeJOIN, ch, nil)
	time.Sleep(50 * time.Millisecond)

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	a.send(t, wire.CodeTEXT, ch, payload)

	hdr, got := b.recv(t, 5*time.Second)
	if int(hdr.PayloadLen) != len(payload) {
		t.Fatalf("payload_len = %d, want %d", hdr.PayloadLen, len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("payload mismatch at byte %d", i)
		}
	}
}

// P4: unsubscribe symmetry via the programmatic API.
func TestUnsubscribeSymmetry(t *testing.T) {
	srv, addr := newServer(t)
	id := idFromBytes(0x55)
	c := dialRaw(t, addr, id)
	_ = c

	ch := idFromBytes(0x66)
	if !srv.Subscribe(ch, id) {
		t.Fatal("subscribe should succeed for a connected client")
	}
	srv.Unsubscribe(ch, id)
	if subs := srv.ListSubscribers(ch); len(subs) != 0 {
		t.Fatalf("channel should have no subscribers, got %v", subs)
	}
}

// Reconnect preserves id: same id reused across two sessions.
func TestReconnectPreservesID(t *testing.T) {
	pool := packet.NewPool(4, 64)
	work := workerpool.New(2, zerolog.Nop())
	srv := broker.New(broker.Config{}, pool, work, zerolog.Nop(), nil)

	var connects, disconnects int
	srv.OnEvent(broker.EventConnect, func(s *broker.Server, kind broker.EventKind, id wire.Identifier) {
		connects++
	})
	srv.OnEvent(broker.EventDisconnect, func(s *broker.Server, kind broker.EventKind, id wire.Identifier) {
		disconnects++
	})

	addr := listenAndStart(t, srv)
	defer func() { srv.StopListen(); work.Stop() }()

	id := idFromBytes(0x77)
	c1 := dialRaw(t, addr, id)
	time.Sleep(30 * time.Millisecond)
	c1.conn.Close()
	time.Sleep(50 * time.Millisecond)

	c2 := dialRaw(t, addr, id)
	time.Sleep(30 * time.Millisecond)
	if subs := srv.ListSubscribers(id); len(subs) != 1 || subs[0] != id {
		t.Fatalf("second session should own the singleton channel for %v, got %v", id, subs)
	}
	c2.conn.Close()
	time.Sleep(30 * time.Millisecond)

	if connects != 2 {
		t.Fatalf("connects = %d, want 2", connects)
	}
	if disconnects < 1 {
		t.Fatalf("disconnects = %d, want >= 1", disconnects)
	}
}
