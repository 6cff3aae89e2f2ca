//go:build !linux

package tun

import (
	"errors"
	"runtime"
)

// ErrUnsupported indicates the platform has no kernel TUN support wired up.
var ErrUnsupported = errors.New("tun: kernel device not supported on " + runtime.GOOS)

// Open fails on platforms without kernel TUN support. The loopback device
// remains available everywhere.
func Open(string) (Device, error) {
	return nil, ErrUnsupported
}
