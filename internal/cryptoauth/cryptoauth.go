// Package cryptoauth implements the overlay's authenticated-encryption
// sessions. The same primitive serves both layers of the node: the outer
// peer-to-peer layer keyed by the neighbour's permanent public key, and the
// inner end-to-end layer keyed by the content key of the remote endpoint.
//
// A session runs a two-message handshake (hello, key) carrying ephemeral
// x25519 public keys, then switches to per-direction ChaCha20-Poly1305 data
// keys derived with HKDF-SHA-256. Every packet begins with a 4-byte
// big-endian nonce word: values 0-3 are handshake packets, values >= 4 are
// data packets whose word doubles as the AEAD nonce counter. A session is
// negotiating while only nonces below 4 have been exchanged and established
// once the bidirectional data keys are derived.
package cryptoauth

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/fcmesh/fcmeshd/internal/wire"
)

// -------------------------------------------------------------------------
// Sizes & Wire Layout
// -------------------------------------------------------------------------

// KeySize is the x25519 key size in bytes.
const KeySize = 32

// nonceWordSize is the 4-byte big-endian nonce/state word that starts
// every packet.
const nonceWordSize = 4

// TagSize is the AEAD authentication tag size appended to every packet.
const TagSize = chacha20poly1305.Overhead

// DataOverhead is the total overhead a data packet adds to its payload.
const DataOverhead = nonceWordSize + TagSize

// helloOverhead is the overhead of a hello packet: nonce word, sender
// permanent key, sender ephemeral key, AEAD tag.
const helloOverhead = nonceWordSize + 2*KeySize + TagSize

// keyOverhead is the overhead of a key packet: nonce word, responder
// ephemeral key, AEAD tag.
const keyOverhead = nonceWordSize + KeySize + TagSize

// Handshake nonce word values. Repeats are sent when a side retransmits
// its half of the handshake before hearing from the other.
const (
	nonceHello       = 0
	nonceKey         = 1
	nonceRepeatHello = 2
	nonceRepeatKey   = 3

	// nonceFirstData is the first nonce word carried by a data packet.
	nonceFirstData = 4
)

// HKDF info strings binding derived keys to their role.
const (
	infoHello = "fcmesh-ca-v1 hello"
	infoKey   = "fcmesh-ca-v1 key"
	infoData  = "fcmesh-ca-v1 data"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrNoPeerKey indicates an attempt to initiate a handshake toward a
	// peer whose permanent key is unknown. Sessions created for inbound
	// traffic learn the key from the hello; they cannot initiate.
	ErrNoPeerKey = errors.New("cryptoauth: peer public key unknown")

	// ErrNotEstablished indicates a data packet arrived before the
	// handshake derived data keys.
	ErrNotEstablished = errors.New("cryptoauth: session not established")

	// ErrAuthFailure indicates an AEAD open failure: the packet was not
	// produced by the counterparty or was tampered with in transit.
	ErrAuthFailure = errors.New("cryptoauth: authentication failure")

	// ErrReplay indicates a data nonce at or below the highest already
	// accepted. Data nonces must be strictly monotonic.
	ErrReplay = errors.New("cryptoauth: nonce replayed")

	// ErrKeyMismatch indicates a hello whose permanent key differs from
	// the key the session was pinned to.
	ErrKeyMismatch = errors.New("cryptoauth: peer key does not match pinned key")

	// ErrPacketTooShort indicates a packet smaller than its type's
	// minimum size.
	ErrPacketTooShort = errors.New("cryptoauth: packet truncated")

	// ErrHandshakeState indicates a handshake packet that is impossible
	// in the session's current state (e.g. a key packet when no hello
	// was ever sent).
	ErrHandshakeState = errors.New("cryptoauth: unexpected handshake packet")
)

// -------------------------------------------------------------------------
// CryptoAuth Handle
// -------------------------------------------------------------------------

// CryptoAuth holds the node's permanent identity and mints sessions.
// One handle serves any number of sessions; it is immutable after New.
type CryptoAuth struct {
	privateKey [KeySize]byte
	publicKey  [KeySize]byte
	logger     *slog.Logger
}

// New creates a CryptoAuth handle from a 32-byte x25519 private key.
func New(privateKey [KeySize]byte, logger *slog.Logger) (*CryptoAuth, error) {
	pub, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("cryptoauth: derive public key: %w", err)
	}
	ca := &CryptoAuth{
		privateKey: privateKey,
		logger:     logger.With(slog.String("component", "cryptoauth")),
	}
	copy(ca.publicKey[:], pub)
	return ca, nil
}

// PublicKey returns the node's permanent public key.
func (ca *CryptoAuth) PublicKey() [KeySize]byte { return ca.publicKey }

// NewSession creates a session toward a peer. peerKey may be all-zero for
// sessions created on first receipt from an unknown counterparty; the key
// is then learned (and thereafter pinned) during the handshake.
func (ca *CryptoAuth) NewSession(peerKey [KeySize]byte) *Session {
	s := &Session{ca: ca}
	if peerKey != ([KeySize]byte{}) {
		s.herPerm = peerKey
		s.herPermSet = true
	}
	return s
}

// -------------------------------------------------------------------------
// Session
// -------------------------------------------------------------------------

// Session is one authenticated-encryption context. Lifecycle:
// absent -> negotiating (nonces < 4 exchanged) -> established
// (bidirectional data keys derived); there is no transition back. Sessions
// are owned by a single dispatch loop and are not safe for concurrent use.
type Session struct {
	ca *CryptoAuth

	// herPerm is the counterparty's permanent key; pinned at creation for
	// outbound sessions, learned from the hello for inbound ones.
	herPerm    [KeySize]byte
	herPermSet bool

	// initiator is true once this side has sent a hello; a simultaneous
	// open that leaves this side as responder clears it again.
	initiator  bool
	sentHello  bool
	sentKey    bool
	recvdHello bool

	localEphPriv [KeySize]byte
	localEphPub  [KeySize]byte
	haveEph      bool

	herEph     [KeySize]byte
	haveHerEph bool

	sendKey [KeySize]byte
	recvKey [KeySize]byte

	established bool

	txNonce uint32
	rxNonce uint32
}

// HerPublicKey returns the counterparty's permanent key, or the zero key
// if it has not been learned yet.
func (s *Session) HerPublicKey() [KeySize]byte { return s.herPerm }

// Established reports whether bidirectional data keys have been derived.
func (s *Session) Established() bool { return s.established }

// -------------------------------------------------------------------------
// Encrypt — outbound path
// -------------------------------------------------------------------------

// Encrypt encrypts the frame's window in place for the counterparty,
// prepending the packet's crypto header. While the session is negotiating
// the payload rides inside a handshake packet; once established it rides
// in a data packet.
func (s *Session) Encrypt(f *wire.Frame) error {
	if s.established {
		return s.encryptData(f)
	}
	if s.recvdHello {
		return s.encryptKeyPacket(f)
	}
	return s.encryptHello(f)
}

// encryptHello wraps the payload in a (repeat) hello packet. Requires the
// peer's permanent key; sessions created keyless cannot initiate.
func (s *Session) encryptHello(f *wire.Frame) error {
	if !s.herPermSet {
		return ErrNoPeerKey
	}
	if err := s.ensureEphemeral(); err != nil {
		return err
	}
	s.initiator = true

	word := uint32(nonceHello)
	if s.sentHello {
		word = nonceRepeatHello
	}

	secret, err := curve25519.X25519(s.localEphPriv[:], s.herPerm[:])
	if err != nil {
		return fmt.Errorf("cryptoauth: hello ECDH: %w", err)
	}
	aead, err := newAEAD(deriveKey(secret, infoHello))
	if err != nil {
		return err
	}

	sealed := aead.Seal(nil, nonceBytes(word), f.Bytes(), nil)

	if err := f.Truncate(0); err != nil {
		return err
	}
	body, err := f.Extend(len(sealed))
	if err != nil {
		return err
	}
	copy(body, sealed)
	if err := f.Push(s.localEphPub[:]); err != nil {
		return err
	}
	if err := f.Push(s.ca.publicKey[:]); err != nil {
		return err
	}
	if err := pushNonceWord(f, word); err != nil {
		return err
	}
	s.sentHello = true
	return nil
}

// encryptKeyPacket wraps the payload in a (repeat) key packet, completing
// the responder's half of the handshake and deriving the data keys.
func (s *Session) encryptKeyPacket(f *wire.Frame) error {
	if err := s.ensureEphemeral(); err != nil {
		return err
	}

	word := uint32(nonceKey)
	if s.sentKey {
		word = nonceRepeatKey
	}

	secret, err := curve25519.X25519(s.localEphPriv[:], s.herEph[:])
	if err != nil {
		return fmt.Errorf("cryptoauth: key-packet ECDH: %w", err)
	}
	aead, err := newAEAD(deriveKey(secret, infoKey))
	if err != nil {
		return err
	}

	sealed := aead.Seal(nil, nonceBytes(word), f.Bytes(), nil)

	if err := f.Truncate(0); err != nil {
		return err
	}
	body, err := f.Extend(len(sealed))
	if err != nil {
		return err
	}
	copy(body, sealed)
	if err := f.Push(s.localEphPub[:]); err != nil {
		return err
	}
	if err := pushNonceWord(f, word); err != nil {
		return err
	}

	s.sentKey = true

	// Both ephemerals are now fixed; the responder derives data keys at
	// key-packet send, the initiator at key-packet receipt.
	return s.deriveDataKeys(secret)
}

// encryptData seals the payload with the outbound data key under the next
// monotonic nonce.
func (s *Session) encryptData(f *wire.Frame) error {
	aead, err := newAEAD(s.sendKey)
	if err != nil {
		return err
	}
	word := s.txNonce
	s.txNonce++

	sealed := aead.Seal(nil, nonceBytes(word), f.Bytes(), nil)

	if err := f.Truncate(0); err != nil {
		return err
	}
	body, err := f.Extend(len(sealed))
	if err != nil {
		return err
	}
	copy(body, sealed)
	return pushNonceWord(f, word)
}

// -------------------------------------------------------------------------
// Decrypt — inbound path
// -------------------------------------------------------------------------

// Decrypt authenticates and decrypts the frame's window in place,
// stripping the packet's crypto header. On success the window holds the
// counterparty's plaintext payload.
func (s *Session) Decrypt(f *wire.Frame) error {
	if f.Len() < nonceWordSize {
		return fmt.Errorf("%d bytes: %w", f.Len(), ErrPacketTooShort)
	}
	word := binary.BigEndian.Uint32(f.Bytes()[:nonceWordSize])

	switch word {
	case nonceHello, nonceRepeatHello:
		return s.decryptHello(f, word)
	case nonceKey, nonceRepeatKey:
		return s.decryptKeyPacket(f, word)
	default:
		return s.decryptData(f, word)
	}
}

// decryptHello processes an inbound (repeat) hello: learns or checks the
// peer's permanent key, records her ephemeral, and recovers the payload.
func (s *Session) decryptHello(f *wire.Frame, word uint32) error {
	if f.Len() < helloOverhead {
		return fmt.Errorf("hello %d bytes: %w", f.Len(), ErrPacketTooShort)
	}
	if _, err := f.Pop(nonceWordSize); err != nil {
		return err
	}
	permBytes, _ := f.Pop(KeySize)
	var herPerm [KeySize]byte
	copy(herPerm[:], permBytes)
	ephBytes, _ := f.Pop(KeySize)
	var herEph [KeySize]byte
	copy(herEph[:], ephBytes)

	if s.herPermSet && herPerm != s.herPerm {
		return ErrKeyMismatch
	}

	secret, err := curve25519.X25519(s.ca.privateKey[:], herEph[:])
	if err != nil {
		return fmt.Errorf("cryptoauth: hello ECDH: %w", err)
	}
	aead, err := newAEAD(deriveKey(secret, infoHello))
	if err != nil {
		return err
	}
	if err := openInPlace(f, aead, word); err != nil {
		return err
	}

	// Simultaneous open: both sides sent hellos. The side with the
	// numerically smaller permanent key keeps the initiator role; the
	// other reverts to responder and answers with a key packet.
	if s.sentHello && bytes.Compare(s.ca.publicKey[:], herPerm[:]) > 0 {
		s.initiator = false
	}

	s.herPerm = herPerm
	s.herPermSet = true
	s.herEph = herEph
	s.haveHerEph = true
	s.recvdHello = true
	return nil
}

// decryptKeyPacket processes an inbound (repeat) key packet: only
// meaningful for a side that sent a hello. Derives the data keys.
func (s *Session) decryptKeyPacket(f *wire.Frame, word uint32) error {
	if !s.sentHello {
		return ErrHandshakeState
	}
	if f.Len() < keyOverhead {
		return fmt.Errorf("key packet %d bytes: %w", f.Len(), ErrPacketTooShort)
	}
	if _, err := f.Pop(nonceWordSize); err != nil {
		return err
	}
	ephBytes, _ := f.Pop(KeySize)
	var herEph [KeySize]byte
	copy(herEph[:], ephBytes)

	secret, err := curve25519.X25519(s.localEphPriv[:], herEph[:])
	if err != nil {
		return fmt.Errorf("cryptoauth: key-packet ECDH: %w", err)
	}
	aead, err := newAEAD(deriveKey(secret, infoKey))
	if err != nil {
		return err
	}
	if err := openInPlace(f, aead, word); err != nil {
		return err
	}

	s.herEph = herEph
	s.haveHerEph = true
	return s.deriveDataKeys(secret)
}

// decryptData opens a data packet under the inbound data key, enforcing
// strictly monotonic nonces.
func (s *Session) decryptData(f *wire.Frame, word uint32) error {
	if !s.established {
		return ErrNotEstablished
	}
	if word <= s.rxNonce {
		return fmt.Errorf("nonce %d after %d: %w", word, s.rxNonce, ErrReplay)
	}
	if _, err := f.Pop(nonceWordSize); err != nil {
		return err
	}
	aead, err := newAEAD(s.recvKey)
	if err != nil {
		return err
	}
	if err := openInPlace(f, aead, word); err != nil {
		return err
	}
	s.rxNonce = word
	return nil
}

// -------------------------------------------------------------------------
// Key Derivation
// -------------------------------------------------------------------------

// ensureEphemeral generates the session's ephemeral key pair once.
func (s *Session) ensureEphemeral() error {
	if s.haveEph {
		return nil
	}
	if _, err := io.ReadFull(rand.Reader, s.localEphPriv[:]); err != nil {
		return fmt.Errorf("cryptoauth: ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(s.localEphPriv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("cryptoauth: ephemeral public key: %w", err)
	}
	copy(s.localEphPub[:], pub)
	s.haveEph = true
	return nil
}

// deriveDataKeys turns the ephemeral-ephemeral secret into one key per
// direction. Both sides derive the same pair; the initiator sends on the
// first and receives on the second, the responder mirrored. Once derived,
// the session counts as established and data nonces start at 4.
func (s *Session) deriveDataKeys(secret []byte) error {
	salt := make([]byte, 0, 2*KeySize)
	if s.initiator {
		salt = append(salt, s.ca.publicKey[:]...)
		salt = append(salt, s.herPerm[:]...)
	} else {
		salt = append(salt, s.herPerm[:]...)
		salt = append(salt, s.ca.publicKey[:]...)
	}

	r := hkdf.New(sha256.New, secret, salt, []byte(infoData))
	var k1, k2 [KeySize]byte
	if _, err := io.ReadFull(r, k1[:]); err != nil {
		return fmt.Errorf("cryptoauth: derive data keys: %w", err)
	}
	if _, err := io.ReadFull(r, k2[:]); err != nil {
		return fmt.Errorf("cryptoauth: derive data keys: %w", err)
	}

	if s.initiator {
		s.sendKey, s.recvKey = k1, k2
	} else {
		s.sendKey, s.recvKey = k2, k1
	}
	if s.txNonce < nonceFirstData {
		s.txNonce = nonceFirstData
	}
	s.established = true
	return nil
}

// deriveKey derives a single 32-byte handshake key from an ECDH secret.
func deriveKey(secret []byte, info string) [KeySize]byte {
	var key [KeySize]byte
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	// hkdf.Read cannot fail for a single block.
	_, _ = io.ReadFull(r, key[:])
	return key
}

// -------------------------------------------------------------------------
// AEAD Helpers
// -------------------------------------------------------------------------

// newAEAD builds the ChaCha20-Poly1305 AEAD for a derived key.
func newAEAD(key [KeySize]byte) (cipher.AEAD, error) {
	a, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoauth: aead: %w", err)
	}
	return a, nil
}

// nonceBytes places the 4-byte nonce word in the tail of a 12-byte AEAD nonce.
func nonceBytes(word uint32) []byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint32(n[8:], word)
	return n[:]
}

// pushNonceWord prepends the 4-byte big-endian nonce word to the frame.
func pushNonceWord(f *wire.Frame, word uint32) error {
	var w [nonceWordSize]byte
	binary.BigEndian.PutUint32(w[:], word)
	return f.Push(w[:])
}

// openInPlace authenticates and decrypts the remaining window, shrinking
// it by the AEAD tag. Failure leaves the window contents unspecified and
// returns ErrAuthFailure.
func openInPlace(f *wire.Frame, aead cipher.AEAD, word uint32) error {
	ct := f.Bytes()
	pt, err := aead.Open(ct[:0], nonceBytes(word), ct, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	return f.Truncate(len(pt))
}
