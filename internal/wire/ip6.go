package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// IPv6 Header
// -------------------------------------------------------------------------

// IP6HeaderSize is the size of the fixed IPv6 header in bytes.
const IP6HeaderSize = 40

// NextHeaderUDP is the IPv6 Next Header value for UDP.
const NextHeaderUDP = 17

// ip6Version is the value of the 4-bit Version field.
const ip6Version = 6

// hopLimitOffset is the byte offset of the Hop Limit field within the
// header. decryptedIncoming rewrites this byte in place on forward.
const hopLimitOffset = 7

// payloadLengthOffset is the byte offset of the Payload Length field.
const payloadLengthOffset = 4

// IP6Header is the decoded fixed IPv6 header.
type IP6Header struct {
	// TrafficClass is the 8-bit traffic class.
	TrafficClass uint8

	// FlowLabel is the 20-bit flow label.
	FlowLabel uint32

	// PayloadLength is the length in bytes of everything after the header.
	PayloadLength uint16

	// NextHeader identifies the protocol following this header.
	NextHeader uint8

	// HopLimit is decremented once per forward; a frame arriving with
	// zero and not addressed to us is dropped.
	HopLimit uint8

	// Src and Dst are the overlay endpoints. Both MUST be in fc00::/8
	// for any frame that crosses the core.
	Src [16]byte
	Dst [16]byte
}

// Sentinel errors for IPv6 validation. These are the §4.4 binding-check
// failures surfaced as INVALID.
var (
	// ErrIP6TooShort indicates fewer than IP6HeaderSize bytes.
	ErrIP6TooShort = errors.New("ipv6 header truncated")

	// ErrIP6BadVersion indicates a Version field other than 6.
	ErrIP6BadVersion = errors.New("ipv6 version is not 6")

	// ErrIP6AddrRange indicates a source or destination outside fc00::/8.
	ErrIP6AddrRange = errors.New("address outside fc00::/8")

	// ErrIP6LengthMismatch indicates Payload Length disagreeing with the
	// actual frame length.
	ErrIP6LengthMismatch = errors.New("payload length does not match frame")
)

// UnmarshalIP6Header decodes the fixed IPv6 header from buf.
func UnmarshalIP6Header(buf []byte, h *IP6Header) error {
	if len(buf) < IP6HeaderSize {
		return fmt.Errorf("ipv6 header: %d bytes: %w", len(buf), ErrIP6TooShort)
	}
	vcf := binary.BigEndian.Uint32(buf[0:4])
	if vcf>>28 != ip6Version {
		return fmt.Errorf("ipv6 version %d: %w", vcf>>28, ErrIP6BadVersion)
	}
	h.TrafficClass = uint8(vcf >> 20)
	h.FlowLabel = vcf & 0xFFFFF
	h.PayloadLength = binary.BigEndian.Uint16(buf[4:6])
	h.NextHeader = buf[6]
	h.HopLimit = buf[hopLimitOffset]
	copy(h.Src[:], buf[8:24])
	copy(h.Dst[:], buf[24:40])
	return nil
}

// MarshalIP6Header encodes h into the first IP6HeaderSize bytes of buf.
func MarshalIP6Header(h *IP6Header, buf []byte) error {
	if len(buf) < IP6HeaderSize {
		return fmt.Errorf("ipv6 header: %d bytes: %w", len(buf), ErrIP6TooShort)
	}
	vcf := uint32(ip6Version)<<28 | uint32(h.TrafficClass)<<20 | h.FlowLabel&0xFFFFF
	binary.BigEndian.PutUint32(buf[0:4], vcf)
	binary.BigEndian.PutUint16(buf[4:6], h.PayloadLength)
	buf[6] = h.NextHeader
	buf[hopLimitOffset] = h.HopLimit
	copy(buf[8:24], h.Src[:])
	copy(buf[24:40], h.Dst[:])
	return nil
}

// ValidateIP6 checks the §4.4 binding invariants over a frame aligned on an
// IPv6 header: both addresses begin with 0xFC and Payload Length equals the
// frame length minus the header. Violations drop the frame as INVALID.
func ValidateIP6(h *IP6Header, frameLen int) error {
	if h.Src[0] != 0xFC {
		return fmt.Errorf("source %x: %w", h.Src[0], ErrIP6AddrRange)
	}
	if h.Dst[0] != 0xFC {
		return fmt.Errorf("destination %x: %w", h.Dst[0], ErrIP6AddrRange)
	}
	if int(h.PayloadLength) != frameLen-IP6HeaderSize {
		return fmt.Errorf("payload length %d with frame %d: %w",
			h.PayloadLength, frameLen, ErrIP6LengthMismatch)
	}
	return nil
}

// DecrementHopLimit rewrites the Hop Limit byte in place on a buffer
// aligned on an IPv6 header, keeping the decoded header in sync.
func DecrementHopLimit(h *IP6Header, buf []byte) {
	h.HopLimit--
	buf[hopLimitOffset] = h.HopLimit
}

// SetPayloadLength rewrites the Payload Length field in place on a buffer
// aligned on an IPv6 header, keeping the decoded header in sync.
func SetPayloadLength(h *IP6Header, buf []byte, length uint16) {
	h.PayloadLength = length
	binary.BigEndian.PutUint16(buf[payloadLengthOffset:payloadLengthOffset+2], length)
}
