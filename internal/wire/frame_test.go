package wire_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fcmesh/fcmeshd/internal/wire"
)

func TestFromPayload(t *testing.T) {
	t.Parallel()

	payload := []byte("four score and seven years ago")
	f := wire.FromPayload(payload, 64)
	defer f.Free()

	if !bytes.Equal(f.Bytes(), payload) {
		t.Errorf("Bytes() = %q, want %q", f.Bytes(), payload)
	}
	if f.Len() != len(payload) {
		t.Errorf("Len() = %d, want %d", f.Len(), len(payload))
	}
	if f.Headroom() != 64 {
		t.Errorf("Headroom() = %d, want 64", f.Headroom())
	}
}

func TestShiftGrowAndStrip(t *testing.T) {
	t.Parallel()

	f := wire.FromPayload([]byte("payload"), 16)
	defer f.Free()

	if err := f.Shift(8); err != nil {
		t.Fatalf("Shift(8) error: %v", err)
	}
	if f.Len() != 7+8 {
		t.Errorf("Len() after grow = %d, want 15", f.Len())
	}
	if f.Headroom() != 8 {
		t.Errorf("Headroom() after grow = %d, want 8", f.Headroom())
	}

	if err := f.Shift(-8); err != nil {
		t.Fatalf("Shift(-8) error: %v", err)
	}
	if got := string(f.Bytes()); got != "payload" {
		t.Errorf("Bytes() after strip = %q, want %q", got, "payload")
	}
}

func TestShiftBounds(t *testing.T) {
	t.Parallel()

	f := wire.FromPayload([]byte("abc"), 4)
	defer f.Free()

	if err := f.Shift(5); !errors.Is(err, wire.ErrNoHeadroom) {
		t.Errorf("Shift(5) error = %v, want ErrNoHeadroom", err)
	}
	if err := f.Shift(-4); !errors.Is(err, wire.ErrShiftPastEnd) {
		t.Errorf("Shift(-4) error = %v, want ErrShiftPastEnd", err)
	}
}

func TestPushPop(t *testing.T) {
	t.Parallel()

	f := wire.FromPayload([]byte("body"), 16)
	defer f.Free()

	if err := f.Push([]byte("hdr:")); err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if got := string(f.Bytes()); got != "hdr:body" {
		t.Errorf("Bytes() = %q, want %q", got, "hdr:body")
	}

	hdr, err := f.Pop(4)
	if err != nil {
		t.Fatalf("Pop() error: %v", err)
	}
	if string(hdr) != "hdr:" {
		t.Errorf("Pop() = %q, want %q", hdr, "hdr:")
	}
	if got := string(f.Bytes()); got != "body" {
		t.Errorf("Bytes() after pop = %q, want %q", got, "body")
	}

	if _, err := f.Pop(5); !errors.Is(err, wire.ErrShiftPastEnd) {
		t.Errorf("Pop(5) error = %v, want ErrShiftPastEnd", err)
	}
}

func TestTruncateAndExtend(t *testing.T) {
	t.Parallel()

	f := wire.FromPayload([]byte("hello world"), 8)
	defer f.Free()

	if err := f.Truncate(5); err != nil {
		t.Fatalf("Truncate() error: %v", err)
	}
	if got := string(f.Bytes()); got != "hello" {
		t.Errorf("Bytes() = %q, want %q", got, "hello")
	}
	if err := f.Truncate(6); !errors.Is(err, wire.ErrTruncateGrow) {
		t.Errorf("Truncate(6) error = %v, want ErrTruncateGrow", err)
	}

	ext, err := f.Extend(6)
	if err != nil {
		t.Fatalf("Extend() error: %v", err)
	}
	copy(ext, " again")
	if got := string(f.Bytes()); got != "hello again" {
		t.Errorf("Bytes() after extend = %q, want %q", got, "hello again")
	}
}

func TestRangeNegativeOffsets(t *testing.T) {
	t.Parallel()

	f := wire.FromPayload([]byte("window"), 32)
	defer f.Free()

	// Write into the padding the way the session-key contract does.
	pad, err := f.Range(-16, 16)
	if err != nil {
		t.Fatalf("Range(-16, 16) error: %v", err)
	}
	copy(pad, []byte("0123456789abcdef"))

	back, err := f.Range(-16, 16)
	if err != nil {
		t.Fatalf("Range() re-read error: %v", err)
	}
	if string(back) != "0123456789abcdef" {
		t.Errorf("padding = %q, want planted bytes", back)
	}

	// Offsets are window-relative: growing the window by 4 moves the
	// same planted bytes to offset -12.
	if err := f.Shift(4); err != nil {
		t.Fatalf("Shift() error: %v", err)
	}
	moved, err := f.Range(-12, 12)
	if err != nil {
		t.Fatalf("Range() after shift error: %v", err)
	}
	if string(moved) != "0123456789ab" {
		t.Errorf("padding after shift = %q, want %q", moved, "0123456789ab")
	}

	if _, err := f.Range(-64, 16); !errors.Is(err, wire.ErrRangeOutOfBounds) {
		t.Errorf("Range(-64) error = %v, want ErrRangeOutOfBounds", err)
	}
}

func TestWrapIsNotPooled(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 64)
	copy(buf[16:], "content")
	f := wire.Wrap(buf, 16, 23)
	if got := string(f.Bytes()); got != "content" {
		t.Errorf("Bytes() = %q, want %q", got, "content")
	}
	f.Free() // no-op for wrapped frames
	if got := string(buf[16:23]); got != "content" {
		t.Errorf("backing buffer disturbed by Free: %q", got)
	}
}
