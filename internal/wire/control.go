package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Switch-Layer Control Frames
// -------------------------------------------------------------------------

// ControlType identifies the kind of switch-layer control frame that
// follows the switch header when the header's message type is Control.
type ControlType uint16

const (
	// ControlTypeError is an error report from a node along a path: the
	// frame that triggered it could not be handled, and the payload says
	// why and for which label.
	ControlTypeError ControlType = 2

	// ControlTypePing is a fabric liveness probe. Not interpreted by the
	// core; logged and discarded.
	ControlTypePing ControlType = 3

	// ControlTypePong is the response to a ping. Not interpreted by the
	// core; logged and discarded.
	ControlTypePong ControlType = 4
)

// String returns the human-readable name for the control type.
func (t ControlType) String() string {
	switch t {
	case ControlTypeError:
		return "Error"
	case ControlTypePing:
		return "Ping"
	case ControlTypePong:
		return "Pong"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(t))
	}
}

// ErrorCode classifies the failure reported by an Error control frame.
type ErrorCode uint32

const (
	// ErrorNone is the zero error code; never legitimately reported.
	ErrorNone ErrorCode = 0

	// ErrorMalformedAddress indicates the reporting node could not parse
	// or route the frame's label. The path through that label is dead and
	// the routing module is told so.
	ErrorMalformedAddress ErrorCode = 1

	// ErrorFlood indicates the reporting node rate-limited the sender.
	ErrorFlood ErrorCode = 2

	// ErrorLinkLimitExceeded indicates a hop count past the fabric limit.
	ErrorLinkLimitExceeded ErrorCode = 3

	// ErrorOversizeMessage indicates a frame too large for a link on the path.
	ErrorOversizeMessage ErrorCode = 4

	// ErrorUndeliverable indicates the far node had no further route.
	ErrorUndeliverable ErrorCode = 5

	// ErrorAuthentication indicates an outer-session failure at the far node.
	ErrorAuthentication ErrorCode = 6
)

// errorCodeNames maps error codes to human-readable strings.
var errorCodeNames = [7]string{
	"None",
	"Malformed Address",
	"Flood",
	"Link Limit Exceeded",
	"Oversize Message",
	"Undeliverable",
	"Authentication",
}

// String returns the human-readable name for the error code.
func (c ErrorCode) String() string {
	if int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("Unknown(%d)", uint32(c))
}

// controlHeaderSize is the fixed prefix of every control frame: the
// 2-byte control type.
const controlHeaderSize = 2

// errorPayloadSize is the body of an Error control frame: a 4-byte error
// code followed by the 8-byte cause label (the label of the frame that
// provoked the error, as seen by the reporting node).
const errorPayloadSize = 12

// ControlPacket is a decoded switch-layer control frame.
type ControlPacket struct {
	// Type is the control frame type.
	Type ControlType

	// ErrorCode is set when Type is ControlTypeError.
	ErrorCode ErrorCode

	// CauseLabel is the label of the frame that provoked an error, in
	// forward bit order. Only meaningful when Type is ControlTypeError.
	CauseLabel uint64
}

// Sentinel errors for control frame decoding.
var (
	// ErrControlTooShort indicates a control frame shorter than its
	// type-specific minimum.
	ErrControlTooShort = errors.New("control frame truncated")
)

// UnmarshalControlPacket decodes a control frame from buf. Non-error
// control types decode the type only; their bodies are opaque here.
func UnmarshalControlPacket(buf []byte, pkt *ControlPacket) error {
	if len(buf) < controlHeaderSize {
		return fmt.Errorf("control frame: %d bytes: %w", len(buf), ErrControlTooShort)
	}
	pkt.Type = ControlType(binary.BigEndian.Uint16(buf[0:2]))
	pkt.ErrorCode = ErrorNone
	pkt.CauseLabel = 0

	if pkt.Type != ControlTypeError {
		return nil
	}
	if len(buf) < controlHeaderSize+errorPayloadSize {
		return fmt.Errorf("error control frame: %d bytes: %w", len(buf), ErrControlTooShort)
	}
	pkt.ErrorCode = ErrorCode(binary.BigEndian.Uint32(buf[2:6]))
	pkt.CauseLabel = binary.BigEndian.Uint64(buf[6:14])
	return nil
}

// MarshalControlPacket encodes pkt into buf and returns the number of
// bytes written.
func MarshalControlPacket(pkt *ControlPacket, buf []byte) (int, error) {
	total := controlHeaderSize
	if pkt.Type == ControlTypeError {
		total += errorPayloadSize
	}
	if len(buf) < total {
		return 0, fmt.Errorf("control frame: need %d bytes, got %d: %w",
			total, len(buf), ErrControlTooShort)
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(pkt.Type))
	if pkt.Type == ControlTypeError {
		binary.BigEndian.PutUint32(buf[2:6], uint32(pkt.ErrorCode))
		binary.BigEndian.PutUint64(buf[6:14], pkt.CauseLabel)
	}
	return total, nil
}
