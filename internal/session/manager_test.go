package session_test

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"golang.org/x/crypto/curve25519"

	"github.com/fcmesh/fcmeshd/internal/addr"
	"github.com/fcmesh/fcmeshd/internal/cryptoauth"
	"github.com/fcmesh/fcmeshd/internal/session"
	"github.com/fcmesh/fcmeshd/internal/wire"
)

// discard returns a logger that swallows everything.
func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// identity is a test node: a private key ground until its public key
// hashes into fc00::/8, plus the derived pieces.
type identity struct {
	priv [cryptoauth.KeySize]byte
	pub  [cryptoauth.KeySize]byte
	ip   [addr.IPSize]byte
	ca   *cryptoauth.CryptoAuth
}

// genIdentity grinds deterministic private keys (seeded by seed) until one
// derives an overlay-valid address, the way real key generation does.
func genIdentity(t *testing.T, seed uint64) identity {
	t.Helper()
	var priv [cryptoauth.KeySize]byte
	for i := uint64(0); i < 1<<14; i++ {
		binary.BigEndian.PutUint64(priv[:8], seed)
		binary.BigEndian.PutUint64(priv[8:16], i)
		priv[31] = 0x40
		pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
		if err != nil {
			continue
		}
		var pub [cryptoauth.KeySize]byte
		copy(pub[:], pubSlice)
		ip := addr.IPForKey(pub)
		if !addr.ValidIP(ip) {
			continue
		}
		ca, err := cryptoauth.New(priv, discard())
		if err != nil {
			t.Fatalf("cryptoauth.New() error: %v", err)
		}
		return identity{priv: priv, pub: pub, ip: ip, ca: ca}
	}
	t.Fatal("no overlay-valid key found")
	return identity{}
}

func TestByIPLazyCreate(t *testing.T) {
	t.Parallel()

	me := genIdentity(t, 1)
	remote := genIdentity(t, 2)
	m := session.NewManager(me.ca, discard())

	s1, err := m.ByIP(remote.ip)
	if err != nil {
		t.Fatalf("ByIP() error: %v", err)
	}
	s2, err := m.ByIP(remote.ip)
	if err != nil {
		t.Fatalf("ByIP() second error: %v", err)
	}
	if s1 != s2 {
		t.Error("two sessions created for one address")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestByIPRejectsForeignRange(t *testing.T) {
	t.Parallel()

	me := genIdentity(t, 3)
	m := session.NewManager(me.ca, discard())

	var ip [addr.IPSize]byte
	ip[0] = 0x20
	if _, err := m.ByIP(ip); !errors.Is(err, session.ErrAddrRange) {
		t.Errorf("ByIP() error = %v, want ErrAddrRange", err)
	}
}

func TestPlantedSelectorOffsets(t *testing.T) {
	t.Parallel()

	me := genIdentity(t, 4)
	out := genIdentity(t, 5)
	in := genIdentity(t, 6)
	m := session.NewManager(me.ca, discard())

	f := wire.FromPayload([]byte("payload"), 64)
	defer f.Free()

	// Outgoing and incoming selectors occupy different padding slots and
	// do not clobber one another.
	if err := session.PlantIP(f, out.ip, true); err != nil {
		t.Fatalf("PlantIP(outgoing) error: %v", err)
	}
	if err := session.PlantIP(f, in.ip, false); err != nil {
		t.Fatalf("PlantIP(incoming) error: %v", err)
	}

	so, err := m.Session(f, true)
	if err != nil {
		t.Fatalf("Session(outgoing) error: %v", err)
	}
	if so.RemoteIP != out.ip {
		t.Error("outgoing selector resolved to the wrong session")
	}

	si, err := m.Session(f, false)
	if err != nil {
		t.Fatalf("Session(incoming) error: %v", err)
	}
	if si.RemoteIP != in.ip {
		t.Error("incoming selector resolved to the wrong session")
	}
}

func TestSetKeyEnforcesBinding(t *testing.T) {
	t.Parallel()

	me := genIdentity(t, 7)
	remote := genIdentity(t, 8)
	other := genIdentity(t, 9)
	m := session.NewManager(me.ca, discard())

	// A key that does not hash to the session address is refused.
	if err := m.SetKeyForIP(remote.ip, other.pub); !errors.Is(err, session.ErrKeyMismatch) {
		t.Errorf("SetKeyForIP(wrong key) error = %v, want ErrKeyMismatch", err)
	}

	// The right key is accepted, and re-setting it is a no-op.
	if err := m.SetKeyForIP(remote.ip, remote.pub); err != nil {
		t.Fatalf("SetKeyForIP() error: %v", err)
	}
	if err := m.SetKeyForIP(remote.ip, remote.pub); err != nil {
		t.Fatalf("SetKeyForIP() repeat error: %v", err)
	}

	s, err := m.ByIP(remote.ip)
	if err != nil {
		t.Fatalf("ByIP() error: %v", err)
	}
	if s.HerPublicKey() != remote.pub {
		t.Error("session key not pinned after SetKeyForIP")
	}
}

func TestEndToEndContentSession(t *testing.T) {
	t.Parallel()

	alice := genIdentity(t, 10)
	bob := genIdentity(t, 11)
	ma := session.NewManager(alice.ca, discard())
	mb := session.NewManager(bob.ca, discard())

	// Alice knows Bob's content key and encrypts toward his address.
	fa := wire.FromPayload([]byte("over the mesh"), 128)
	defer fa.Free()
	if err := session.PlantIP(fa, bob.ip, true); err != nil {
		t.Fatalf("PlantIP() error: %v", err)
	}
	if err := ma.SetKey(fa, bob.pub, true); err != nil {
		t.Fatalf("SetKey() error: %v", err)
	}
	sa, err := ma.Session(fa, true)
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}
	if err := sa.Encrypt(fa); err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// Bob selects the session by the packet's source address.
	fb := wire.FromPayload(fa.Bytes(), 64)
	defer fb.Free()
	if err := session.PlantIP(fb, alice.ip, false); err != nil {
		t.Fatalf("PlantIP(incoming) error: %v", err)
	}
	sb, err := mb.Session(fb, false)
	if err != nil {
		t.Fatalf("Session(incoming) error: %v", err)
	}
	if err := sb.Decrypt(fb); err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if got := string(fb.Bytes()); got != "over the mesh" {
		t.Errorf("plaintext = %q, want %q", got, "over the mesh")
	}

	// The learned key hashes to the address Bob indexed the session by.
	if addr.IPForKey(sb.HerPublicKey()) != alice.ip {
		t.Error("learned content key does not hash to the sender's address")
	}
}
