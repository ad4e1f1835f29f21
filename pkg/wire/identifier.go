// Package wire defines the on-the-wire representation shared by the broker
// and client engines: 128-bit identifiers, four-character packet codes, and
// the fixed packet header layout.
package wire

import (
	"github.com/google/uuid"
)

// Identifier is the 128-bit value clients and channels are addressed by. Its
// layout matches a DCE UUID (32-bit + 16-bit + 16-bit + 8-byte array), which
// uuid.UUID already stores as a plain [16]byte, so raw byte comparison and
// wire encoding need no further massaging.
type Identifier = uuid.UUID

// Zero denotes "no routing / server-origin". A packet addressed to Zero is
// never routed (see Header.IsRoutable).
var Zero Identifier

// NewIdentifier generates a fresh random identifier for clients that connect
// without supplying one of their own.
func NewIdentifier() Identifier {
	return uuid.New()
}

// ParseIdentifier parses the canonical string form of an identifier.
func ParseIdentifier(s string) (Identifier, error) {
	return uuid.Parse(s)
}
