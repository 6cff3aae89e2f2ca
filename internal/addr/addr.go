// Package addr defines overlay peer identities: the cryptographic binding
// between a 32-byte public key, the fc00::/8 IPv6 address derived from it,
// and the 64-bit label the switch fabric uses to reach the peer.
package addr

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"net/netip"
)

// -------------------------------------------------------------------------
// Sizes & Constants
// -------------------------------------------------------------------------

// KeySize is the size of an overlay public key in bytes.
const KeySize = 32

// IPSize is the size of an overlay IPv6 address in bytes.
const IPSize = 16

// AddressPrefix is the mandatory first byte of every overlay address.
// The overlay owns the fc00::/8 range; any address outside it is invalid.
const AddressPrefix byte = 0xFC

// SelfLabel is the switch label that routes to the local node itself.
// The all-but-lowest-bit-zero label is the fabric's self route.
const SelfLabel uint64 = 1

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrKeyOutOfRange indicates a public key whose derived address does
	// not fall in fc00::/8. Such keys cannot appear on the network.
	ErrKeyOutOfRange = errors.New("public key does not hash into fc00::/8")

	// ErrZeroKey indicates an all-zero public key where a real key is required.
	ErrZeroKey = errors.New("public key is zero")
)

// -------------------------------------------------------------------------
// Prefix Function — key to address binding
// -------------------------------------------------------------------------

// IPForKey computes the overlay IPv6 address bound to a public key: the
// first 16 bytes of SHA-512(SHA-512(key)). The double hash is the one-way
// truncation that cryptographically binds identity to address; a node can
// only claim an address by holding the key that hashes to it.
//
// The result is only usable on the network if its first byte is
// AddressPrefix (0xFC). Roughly 1 in 256 random keys qualifies; key
// generation grinds until one does.
func IPForKey(key [KeySize]byte) [IPSize]byte {
	first := sha512.Sum512(key[:])
	second := sha512.Sum512(first[:])

	var ip [IPSize]byte
	copy(ip[:], second[:IPSize])
	return ip
}

// ValidIP reports whether ip falls in the overlay's fc00::/8 range.
func ValidIP(ip [IPSize]byte) bool {
	return ip[0] == AddressPrefix
}

// -------------------------------------------------------------------------
// Address
// -------------------------------------------------------------------------

// Address is a peer identity on the overlay. Invariant: IP == IPForKey(Key)
// and IP[0] == 0xFC for every Address constructed through this package.
// Addresses are created when a peer is first observed and are immutable
// thereafter.
type Address struct {
	// Key is the peer's permanent 32-byte public key.
	Key [KeySize]byte

	// IP is the fc00::/8 IPv6 address derived from Key.
	IP [IPSize]byte

	// Label is the 64-bit switch-fabric routing tag toward the peer,
	// in the forward (transmit) bit order.
	Label uint64
}

// FromKey constructs an Address from a public key and switch label,
// deriving and validating the overlay IPv6 address.
//
// Returns ErrZeroKey for an all-zero key and ErrKeyOutOfRange when the
// derived address is outside fc00::/8.
func FromKey(key [KeySize]byte, label uint64) (Address, error) {
	if key == ([KeySize]byte{}) {
		return Address{}, ErrZeroKey
	}
	ip := IPForKey(key)
	if !ValidIP(ip) {
		return Address{}, fmt.Errorf("address %s: %w", netip.AddrFrom16(ip), ErrKeyOutOfRange)
	}
	return Address{Key: key, IP: ip, Label: label}, nil
}

// Addr returns the address as a netip.Addr, for logging and display.
func (a Address) Addr() netip.Addr {
	return netip.AddrFrom16(a.IP)
}

// String renders the address as "fcxx:.../label" for log output.
func (a Address) String() string {
	return fmt.Sprintf("%s/%#x", a.Addr(), a.Label)
}
