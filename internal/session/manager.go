// Package session implements the inner (content) session manager: the
// registry of end-to-end authenticated-encryption sessions keyed by the
// remote overlay IPv6 address, regardless of how many hops separate the
// endpoints.
//
// The manager's wire contract with its caller is positional: the 16-byte
// address that selects a session is read from the frame's padding, at
// offset KeyOffsetOutgoing before an outgoing send and at
// KeyOffsetIncoming on an incoming receive. The caller plants the address
// there before handing the frame over.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/fcmesh/fcmeshd/internal/addr"
	"github.com/fcmesh/fcmeshd/internal/cryptoauth"
	"github.com/fcmesh/fcmeshd/internal/wire"
)

// -------------------------------------------------------------------------
// Key Offset Contract
// -------------------------------------------------------------------------

const (
	// KeyOffsetOutgoing is where the manager reads the 16-byte remote
	// address before encrypting an outgoing frame, relative to the
	// frame's window start.
	KeyOffsetOutgoing = -16

	// KeyOffsetIncoming is where the manager reads the 16-byte remote
	// address when decrypting an incoming frame.
	KeyOffsetIncoming = -32
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrKeyMismatch indicates a content key whose derived address does
	// not equal the address the session is indexed by. Accepting it would
	// break the address/key binding invariant.
	ErrKeyMismatch = errors.New("session: content key does not hash to session address")

	// ErrAddrRange indicates a session address outside fc00::/8.
	ErrAddrRange = errors.New("session: address outside fc00::/8")
)

// -------------------------------------------------------------------------
// Session
// -------------------------------------------------------------------------

// Session is one end-to-end content session. It wraps a cryptoauth session.
// A permanent key given through SetKey or SetKeyForIP must hash to
// RemoteIP; a key learned from an inbound handshake is not checked here.
type Session struct {
	// RemoteIP is the overlay address of the far endpoint.
	RemoteIP [addr.IPSize]byte

	ca        *cryptoauth.Session
	lastUse   time.Time
	createdAt time.Time
}

// Encrypt encrypts the frame in place for the remote endpoint.
func (s *Session) Encrypt(f *wire.Frame) error { return s.ca.Encrypt(f) }

// Decrypt authenticates and decrypts the frame in place.
func (s *Session) Decrypt(f *wire.Frame) error { return s.ca.Decrypt(f) }

// HerPublicKey returns the remote endpoint's content key, or the zero key
// while it is still unknown.
func (s *Session) HerPublicKey() [cryptoauth.KeySize]byte { return s.ca.HerPublicKey() }

// Established reports whether the underlying cryptoauth session has
// derived bidirectional keys.
func (s *Session) Established() bool { return s.ca.Established() }

// -------------------------------------------------------------------------
// Manager
// -------------------------------------------------------------------------

// Manager owns all content sessions, indexed by remote IPv6. Sessions are
// created lazily on first use in either direction. The manager is owned by
// the single dispatch loop; it is not safe for concurrent use.
type Manager struct {
	ca       *cryptoauth.CryptoAuth
	sessions map[[addr.IPSize]byte]*Session
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a content session manager minting sessions from ca.
func NewManager(ca *cryptoauth.CryptoAuth, logger *slog.Logger) *Manager {
	return &Manager{
		ca:       ca,
		sessions: make(map[[addr.IPSize]byte]*Session),
		logger:   logger.With(slog.String("component", "session.manager")),
		now:      time.Now,
	}
}

// ByIP returns the session for the given remote address, creating it
// (keyless) if absent.
func (m *Manager) ByIP(ip [addr.IPSize]byte) (*Session, error) {
	if !addr.ValidIP(ip) {
		return nil, fmt.Errorf("session for %s: %w", netip.AddrFrom16(ip), ErrAddrRange)
	}
	if s, ok := m.sessions[ip]; ok {
		s.lastUse = m.now()
		return s, nil
	}
	s := &Session{
		RemoteIP:  ip,
		ca:        m.ca.NewSession([cryptoauth.KeySize]byte{}),
		createdAt: m.now(),
		lastUse:   m.now(),
	}
	m.sessions[ip] = s
	m.logger.Debug("content session created",
		slog.String("remote", netip.AddrFrom16(ip).String()),
	)
	return s, nil
}

// Session resolves the session selected by the address planted in the
// frame's padding: at KeyOffsetOutgoing when outgoing is true, at
// KeyOffsetIncoming otherwise.
func (m *Manager) Session(f *wire.Frame, outgoing bool) (*Session, error) {
	ip, err := plantedIP(f, outgoing)
	if err != nil {
		return nil, err
	}
	return m.ByIP(ip)
}

// SetKey records the remote endpoint's content key on the session selected
// by the planted address, enforcing that the key hashes to that address.
// Keys are immutable once learned; a matching re-set is a no-op.
func (m *Manager) SetKey(f *wire.Frame, key [cryptoauth.KeySize]byte, outgoing bool) error {
	ip, err := plantedIP(f, outgoing)
	if err != nil {
		return err
	}
	return m.SetKeyForIP(ip, key)
}

// SetKeyForIP is SetKey with the remote address supplied directly.
func (m *Manager) SetKeyForIP(ip [addr.IPSize]byte, key [cryptoauth.KeySize]byte) error {
	if addr.IPForKey(key) != ip {
		return fmt.Errorf("key for %s: %w", netip.AddrFrom16(ip), ErrKeyMismatch)
	}
	s, err := m.ByIP(ip)
	if err != nil {
		return err
	}
	if cur := s.HerPublicKey(); cur != ([cryptoauth.KeySize]byte{}) {
		if cur != key {
			return fmt.Errorf("session for %s already keyed: %w",
				netip.AddrFrom16(ip), ErrKeyMismatch)
		}
		return nil
	}
	// Replace the keyless cryptoauth session with one pinned to the key.
	// Only legal before any handshake traffic, which is exactly when the
	// current key is still zero.
	s.ca = m.ca.NewSession(key)
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int { return len(m.sessions) }

// plantedIP reads the 16-byte session selector from the frame padding.
func plantedIP(f *wire.Frame, outgoing bool) ([addr.IPSize]byte, error) {
	off := KeyOffsetIncoming
	if outgoing {
		off = KeyOffsetOutgoing
	}
	var ip [addr.IPSize]byte
	b, err := f.Range(off, addr.IPSize)
	if err != nil {
		return ip, fmt.Errorf("session selector: %w", err)
	}
	copy(ip[:], b)
	return ip, nil
}

// PlantIP writes the 16-byte session selector into the frame padding for
// the given direction. Callers use it immediately before Session/SetKey.
func PlantIP(f *wire.Frame, ip [addr.IPSize]byte, outgoing bool) error {
	off := KeyOffsetIncoming
	if outgoing {
		off = KeyOffsetOutgoing
	}
	b, err := f.Range(off, addr.IPSize)
	if err != nil {
		return fmt.Errorf("session selector: %w", err)
	}
	copy(b, ip[:])
	return nil
}
