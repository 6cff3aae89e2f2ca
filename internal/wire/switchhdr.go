package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// -------------------------------------------------------------------------
// Switch Header
// -------------------------------------------------------------------------

// SwitchHeaderSize is the size of the label-switch header in bytes:
// 8-byte label, 1-byte message type, 1-byte traffic class, 2-byte penalty.
const SwitchHeaderSize = 12

// MessageType distinguishes the two classes of switch traffic.
type MessageType uint8

const (
	// MessageTypeData is an ordinary encrypted data frame.
	MessageTypeData MessageType = 0

	// MessageTypeControl is an in-band switch-layer control frame.
	MessageTypeControl MessageType = 1
)

// String returns the human-readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case MessageTypeData:
		return "Data"
	case MessageTypeControl:
		return "Control"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// SwitchHeader is the fixed-size prefix every frame carries on the fabric.
//
// The label arrives bit-reversed on ingress (the fabric reverses it hop by
// hop so that the received label is the return route); ReverseLabel MUST be
// applied exactly once on receive and never on send.
type SwitchHeader struct {
	// Label is the 64-bit routing tag, in forward (transmit) bit order
	// once un-reversed by the receive path.
	Label uint64

	// Type distinguishes control traffic from data.
	Type MessageType

	// TrafficClass is the fabric priority hint. Opaque to the core.
	TrafficClass uint8

	// Penalty accumulates per-hop congestion penalty. Opaque to the core.
	Penalty uint16
}

// ErrSwitchHeaderTooShort indicates a buffer smaller than SwitchHeaderSize.
var ErrSwitchHeaderTooShort = errors.New("switch header truncated")

// ReverseLabel reverses the bit order of a 64-bit label. Applying it twice
// yields the identity, which is what makes the received label directly
// usable as the route back to the sender.
func ReverseLabel(label uint64) uint64 {
	return bits.Reverse64(label)
}

// UnmarshalSwitchHeader decodes a switch header from the first
// SwitchHeaderSize bytes of buf. The label is decoded as found on the
// wire; callers on the receive path apply ReverseLabel themselves.
func UnmarshalSwitchHeader(buf []byte, h *SwitchHeader) error {
	if len(buf) < SwitchHeaderSize {
		return fmt.Errorf("switch header: %d bytes: %w", len(buf), ErrSwitchHeaderTooShort)
	}
	h.Label = binary.BigEndian.Uint64(buf[0:8])
	h.Type = MessageType(buf[8])
	h.TrafficClass = buf[9]
	h.Penalty = binary.BigEndian.Uint16(buf[10:12])
	return nil
}

// MarshalSwitchHeader encodes h into the first SwitchHeaderSize bytes of buf.
func MarshalSwitchHeader(h *SwitchHeader, buf []byte) error {
	if len(buf) < SwitchHeaderSize {
		return fmt.Errorf("switch header: %d bytes: %w", len(buf), ErrSwitchHeaderTooShort)
	}
	binary.BigEndian.PutUint64(buf[0:8], h.Label)
	buf[8] = uint8(h.Type)
	buf[9] = h.TrafficClass
	binary.BigEndian.PutUint16(buf[10:12], h.Penalty)
	return nil
}
