package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// UDP Header — router-traffic framing
// -------------------------------------------------------------------------

// UDPHeaderSize is the size of the UDP header in bytes.
const UDPHeaderSize = 8

// UDPHeader is the 8-byte UDP header. Router traffic uses it with both
// ports zero and Length covering the payload only; the checksum is not
// validated on this path.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// ErrUDPTooShort indicates fewer than UDPHeaderSize bytes.
var ErrUDPTooShort = errors.New("udp header truncated")

// UnmarshalUDPHeader decodes a UDP header from buf.
func UnmarshalUDPHeader(buf []byte, h *UDPHeader) error {
	if len(buf) < UDPHeaderSize {
		return fmt.Errorf("udp header: %d bytes: %w", len(buf), ErrUDPTooShort)
	}
	h.SrcPort = binary.BigEndian.Uint16(buf[0:2])
	h.DstPort = binary.BigEndian.Uint16(buf[2:4])
	h.Length = binary.BigEndian.Uint16(buf[4:6])
	h.Checksum = binary.BigEndian.Uint16(buf[6:8])
	return nil
}

// MarshalUDPHeader encodes h into the first UDPHeaderSize bytes of buf.
func MarshalUDPHeader(h *UDPHeader, buf []byte) error {
	if len(buf) < UDPHeaderSize {
		return fmt.Errorf("udp header: %d bytes: %w", len(buf), ErrUDPTooShort)
	}
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	binary.BigEndian.PutUint16(buf[6:8], h.Checksum)
	return nil
}
