package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed, packed size in bytes of a Header on the wire:
// 4 (code) + 16 (sender) + 16 (channel) + 4 (payload_len).
const HeaderSize = 4 + 16 + 16 + 4

// Header is the fixed 40-byte packet header. Byte order on the wire is
// little-endian; cross-endian interop is not supported.
type Header struct {
	Code       Code
	Sender     Identifier
	Channel    Identifier
	PayloadLen uint32
}

// IsRoutable reports whether the header's channel is eligible for routing.
// A packet addressed to the zero identifier is server-only / handler-
// dispatched and is never forwarded to subscribers.
func (h Header) IsRoutable() bool {
	return h.Channel != Zero
}

// Encode writes the header in wire format to buf, which must be at least
// HeaderSize bytes.
func (h Header) Encode(buf []byte) {
	if len(buf) < HeaderSize {
		panic("wire: Encode: buffer too small")
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Code))
	copy(buf[4:20], h.Sender[:])
	copy(buf[20:36], h.Channel[:])
	binary.LittleEndian.PutUint32(buf[36:40], h.PayloadLen)
}

// Decode parses a header from buf, which must be at least HeaderSize bytes.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: Decode: need %d bytes, got %d", HeaderSize, len(buf))
	}
	var h Header
	h.Code = Code(binary.LittleEndian.Uint32(buf[0:4]))
	copy(h.Sender[:], buf[4:20])
	copy(h.Channel[:], buf[20:36])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[36:40])
	return h, nil
}

// ReadHeader reads and decodes exactly one header from r. A short read is
// surfaced as io.ErrUnexpectedEOF by io.ReadFull, which callers treat as a
// closed connection.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return Decode(buf[:])
}

// WriteHeader encodes and writes a header to w.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	h.Encode(buf[:])
	_, err := w.Write(buf[:])
	return err
}

// ReadIdentifier reads the 16-byte identifier a client must send immediately
// after connecting, before any packet traffic.
func ReadIdentifier(r io.Reader) (Identifier, error) {
	var id Identifier
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return Identifier{}, err
	}
	return id, nil
}

// WriteIdentifier writes the 16-byte handshake identifier.
func WriteIdentifier(w io.Writer, id Identifier) error {
	_, err := w.Write(id[:])
	return err
}
