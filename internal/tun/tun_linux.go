//go:build linux

package tun

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// tunDevicePath is the kernel's TUN/TAP clone device.
const tunDevicePath = "/dev/net/tun"

// TUN is a kernel TUN device carrying raw IPv6 packets (IFF_TUN with
// IFF_NO_PI, so no packet-information header precedes each packet).
type TUN struct {
	file *os.File
	name string
}

// Open creates or attaches the named TUN interface. An empty name lets the
// kernel pick one (tun0, tun1, ...).
func Open(name string) (*TUN, error) {
	fd, err := unix.Open(tunDevicePath, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunDevicePath, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}

	return &TUN{
		file: os.NewFile(uintptr(fd), tunDevicePath),
		name: ifr.Name(),
	}, nil
}

// ReadPacket implements Device.
func (t *TUN) ReadPacket(buf []byte) (int, error) {
	n, err := t.file.Read(buf)
	if err != nil {
		if errIsClosed(err) {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("tun read: %w", err)
	}
	return n, nil
}

// WritePacket implements Device.
func (t *TUN) WritePacket(pkt []byte) error {
	if _, err := t.file.Write(pkt); err != nil {
		if errIsClosed(err) {
			return ErrClosed
		}
		return fmt.Errorf("tun write: %w", err)
	}
	return nil
}

// Name implements Device.
func (t *TUN) Name() string { return t.name }

// Close implements Device. Closing unblocks a pending ReadPacket.
func (t *TUN) Close() error {
	return t.file.Close()
}

// errIsClosed reports whether err is the file-closed error surfaced when
// Close races a blocked Read or Write.
func errIsClosed(err error) bool {
	return errors.Is(err, os.ErrClosed)
}
