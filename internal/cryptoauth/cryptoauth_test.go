package cryptoauth_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/fcmesh/fcmeshd/internal/cryptoauth"
	"github.com/fcmesh/fcmeshd/internal/wire"
)

// discard returns a logger that swallows everything.
func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newPair returns two handles with deterministic distinct private keys.
func newPair(t *testing.T) (alice, bob *cryptoauth.CryptoAuth) {
	t.Helper()
	var ka, kb [cryptoauth.KeySize]byte
	for i := range ka {
		ka[i] = byte(i + 1)
		kb[i] = byte(255 - i)
	}
	var err error
	alice, err = cryptoauth.New(ka, discard())
	if err != nil {
		t.Fatalf("New(alice) error: %v", err)
	}
	bob, err = cryptoauth.New(kb, discard())
	if err != nil {
		t.Fatalf("New(bob) error: %v", err)
	}
	return alice, bob
}

// transfer clones the encrypted window into a fresh frame, as if it had
// crossed the network.
func transfer(t *testing.T, f *wire.Frame) *wire.Frame {
	t.Helper()
	return wire.FromPayload(f.Bytes(), 128)
}

func TestHandshakeAndData(t *testing.T) {
	t.Parallel()

	alice, bob := newPair(t)
	sa := alice.NewSession(bob.PublicKey())
	sb := bob.NewSession([cryptoauth.KeySize]byte{}) // key learned in handshake

	// Alice -> Bob: hello carrying a payload.
	fa := wire.FromPayload([]byte("first contact"), 128)
	defer fa.Free()
	if err := sa.Encrypt(fa); err != nil {
		t.Fatalf("alice Encrypt(hello) error: %v", err)
	}
	if sa.Established() {
		t.Error("alice established after hello alone")
	}

	fb := transfer(t, fa)
	defer fb.Free()
	if err := sb.Decrypt(fb); err != nil {
		t.Fatalf("bob Decrypt(hello) error: %v", err)
	}
	if got := string(fb.Bytes()); got != "first contact" {
		t.Errorf("bob plaintext = %q, want %q", got, "first contact")
	}
	if sb.HerPublicKey() != alice.PublicKey() {
		t.Error("bob did not learn alice's key from the hello")
	}

	// Bob -> Alice: key packet carrying the reply.
	fr := wire.FromPayload([]byte("reply"), 128)
	defer fr.Free()
	if err := sb.Encrypt(fr); err != nil {
		t.Fatalf("bob Encrypt(key) error: %v", err)
	}
	if !sb.Established() {
		t.Error("bob not established after sending key packet")
	}

	fra := transfer(t, fr)
	defer fra.Free()
	if err := sa.Decrypt(fra); err != nil {
		t.Fatalf("alice Decrypt(key) error: %v", err)
	}
	if got := string(fra.Bytes()); got != "reply" {
		t.Errorf("alice plaintext = %q, want %q", got, "reply")
	}
	if !sa.Established() {
		t.Error("alice not established after key packet")
	}

	// Data both ways.
	for i, tc := range []struct {
		from, to *cryptoauth.Session
		text     string
	}{
		{sa, sb, "alice data"},
		{sb, sa, "bob data"},
		{sa, sb, "more alice data"},
	} {
		f := wire.FromPayload([]byte(tc.text), 128)
		if err := tc.from.Encrypt(f); err != nil {
			t.Fatalf("data %d Encrypt error: %v", i, err)
		}
		g := transfer(t, f)
		if err := tc.to.Decrypt(g); err != nil {
			t.Fatalf("data %d Decrypt error: %v", i, err)
		}
		if got := string(g.Bytes()); got != tc.text {
			t.Errorf("data %d = %q, want %q", i, got, tc.text)
		}
		f.Free()
		g.Free()
	}
}

// establish runs a full handshake and returns established sessions.
func establish(t *testing.T) (sa, sb *cryptoauth.Session) {
	t.Helper()
	alice, bob := newPair(t)
	sa = alice.NewSession(bob.PublicKey())
	sb = bob.NewSession([cryptoauth.KeySize]byte{})

	f := wire.FromPayload([]byte("x"), 128)
	defer f.Free()
	if err := sa.Encrypt(f); err != nil {
		t.Fatalf("Encrypt(hello) error: %v", err)
	}
	g := transfer(t, f)
	defer g.Free()
	if err := sb.Decrypt(g); err != nil {
		t.Fatalf("Decrypt(hello) error: %v", err)
	}

	r := wire.FromPayload([]byte("y"), 128)
	defer r.Free()
	if err := sb.Encrypt(r); err != nil {
		t.Fatalf("Encrypt(key) error: %v", err)
	}
	ra := transfer(t, r)
	defer ra.Free()
	if err := sa.Decrypt(ra); err != nil {
		t.Fatalf("Decrypt(key) error: %v", err)
	}
	return sa, sb
}

func TestReplayRejected(t *testing.T) {
	t.Parallel()

	sa, sb := establish(t)

	f := wire.FromPayload([]byte("once"), 128)
	defer f.Free()
	if err := sa.Encrypt(f); err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	packet := append([]byte(nil), f.Bytes()...)

	g := wire.FromPayload(packet, 128)
	defer g.Free()
	if err := sb.Decrypt(g); err != nil {
		t.Fatalf("first Decrypt() error: %v", err)
	}

	replay := wire.FromPayload(packet, 128)
	defer replay.Free()
	if err := sb.Decrypt(replay); !errors.Is(err, cryptoauth.ErrReplay) {
		t.Errorf("replayed Decrypt() error = %v, want ErrReplay", err)
	}
}

func TestTamperRejected(t *testing.T) {
	t.Parallel()

	sa, sb := establish(t)

	f := wire.FromPayload([]byte("untouched"), 128)
	defer f.Free()
	if err := sa.Encrypt(f); err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	packet := append([]byte(nil), f.Bytes()...)
	packet[len(packet)-1] ^= 0x01

	g := wire.FromPayload(packet, 128)
	defer g.Free()
	if err := sb.Decrypt(g); !errors.Is(err, cryptoauth.ErrAuthFailure) {
		t.Errorf("tampered Decrypt() error = %v, want ErrAuthFailure", err)
	}
}

func TestEncryptWithoutPeerKey(t *testing.T) {
	t.Parallel()

	alice, _ := newPair(t)
	s := alice.NewSession([cryptoauth.KeySize]byte{})

	f := wire.FromPayload([]byte("nowhere to go"), 128)
	defer f.Free()
	if err := s.Encrypt(f); !errors.Is(err, cryptoauth.ErrNoPeerKey) {
		t.Errorf("Encrypt() error = %v, want ErrNoPeerKey", err)
	}
}

func TestDataBeforeEstablished(t *testing.T) {
	t.Parallel()

	alice, bob := newPair(t)
	s := bob.NewSession(alice.PublicKey())

	// A data packet (nonce word >= 4) with no handshake behind it.
	packet := make([]byte, 4+32)
	binary.BigEndian.PutUint32(packet[:4], 7)

	f := wire.FromPayload(packet, 128)
	defer f.Free()
	if err := s.Decrypt(f); !errors.Is(err, cryptoauth.ErrNotEstablished) {
		t.Errorf("Decrypt() error = %v, want ErrNotEstablished", err)
	}
}

func TestHelloAgainstPinnedKeyMismatch(t *testing.T) {
	t.Parallel()

	alice, bob := newPair(t)

	sa := alice.NewSession(bob.PublicKey())
	f := wire.FromPayload([]byte("hi"), 128)
	defer f.Free()
	if err := sa.Encrypt(f); err != nil {
		t.Fatalf("Encrypt(hello) error: %v", err)
	}

	// Bob's session is pinned to a key that is not Alice's.
	var wrong [cryptoauth.KeySize]byte
	wrong[0] = 0x42
	sb := bob.NewSession(wrong)

	g := transfer(t, f)
	defer g.Free()
	if err := sb.Decrypt(g); !errors.Is(err, cryptoauth.ErrKeyMismatch) {
		t.Errorf("Decrypt() error = %v, want ErrKeyMismatch", err)
	}
}

func TestTruncatedPacket(t *testing.T) {
	t.Parallel()

	alice, bob := newPair(t)
	s := bob.NewSession(alice.PublicKey())

	f := wire.FromPayload([]byte{0, 0}, 128)
	defer f.Free()
	if err := s.Decrypt(f); !errors.Is(err, cryptoauth.ErrPacketTooShort) {
		t.Errorf("Decrypt() error = %v, want ErrPacketTooShort", err)
	}
}

func TestKeyPacketWithoutHello(t *testing.T) {
	t.Parallel()

	alice, bob := newPair(t)
	s := bob.NewSession(alice.PublicKey())

	packet := make([]byte, 4+cryptoauth.KeySize+cryptoauth.TagSize)
	binary.BigEndian.PutUint32(packet[:4], 1) // key packet

	f := wire.FromPayload(packet, 128)
	defer f.Free()
	if err := s.Decrypt(f); !errors.Is(err, cryptoauth.ErrHandshakeState) {
		t.Errorf("Decrypt() error = %v, want ErrHandshakeState", err)
	}
}

func TestDistinctCiphertexts(t *testing.T) {
	t.Parallel()

	sa, _ := establish(t)

	f1 := wire.FromPayload([]byte("same plaintext"), 128)
	defer f1.Free()
	f2 := wire.FromPayload([]byte("same plaintext"), 128)
	defer f2.Free()
	if err := sa.Encrypt(f1); err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if err := sa.Encrypt(f2); err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if bytes.Equal(f1.Bytes(), f2.Bytes()) {
		t.Error("two encryptions of the same plaintext are identical")
	}
}
