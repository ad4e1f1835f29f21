package broker

import (
	"testing"

	"mqbus/pkg/packet"
	"mqbus/pkg/wire"
)

func TestRegistryFirstWinsForPackets(t *testing.T) {
	r := newRegistry()
	var calls int

	r.onPacket(wire.CodeTEXT, func(s *Server, pkt *packet.Packet) bool {
		calls = 1
		return true
	})
	r.onPacket(wire.CodeTEXT, func(s *Server, pkt *packet.Packet) bool {
		calls = 2
		return true
	})

	h, ok := r.packetHandler(wire.CodeTEXT)
	if !ok {
		t.Fatal("expected a registered handler")
	}
	h(nil, nil)
	if calls != 1 {
		t.Fatalf("second registration should have been ignored, calls = %d", calls)
	}
}

func TestRegistryFirstWinsForEvents(t *testing.T) {
	r := newRegistry()
	var seen EventKind = -1

	r.onEvent(EventConnect, func(s *Server, kind EventKind, id wire.Identifier) { seen = kind })
	r.onEvent(EventConnect, func(s *Server, kind EventKind, id wire.Identifier) { seen = EventDisconnect })

	h, ok := r.eventHandler(EventConnect)
	if !ok {
		t.Fatal("expected a registered handler")
	}
	h(nil, EventConnect, wire.Zero)
	if seen != EventConnect {
		t.Fatalf("second registration should have been ignored, seen = %v", seen)
	}
}

func TestRegistryUnregisteredLookupMisses(t *testing.T) {
	r := newRegistry()
	if _, ok := r.packetHandler(wire.CodePING); ok {
		t.Fatal("unregistered code should not be found")
	}
	if _, ok := r.eventHandler(EventDisconnect); ok {
		t.Fatal("unregistered event should not be found")
	}
}
