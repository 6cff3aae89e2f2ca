// Package ducttape implements the packet-glue core of the overlay node:
// the dispatch engine between the label-switch fabric, the routing module,
// the local tunnel device, and the two nested authenticated-encryption
// layers.
//
// Data flows in two directions, each crossing both crypto layers:
//
//	ingress:  switch -> outer session -> [for us?] -> inner session -> tun
//	                                  \-> forward -> outer session -> switch
//	egress:   tun / routing module -> inner session -> outer session -> switch
//
// Every frame is processed to completion before the next; the core holds
// no persistent per-frame state. What the entry points need to hand one
// another travels in an explicit per-frame dispatch record rather than in
// mutable fields on the core, so a frame can never observe another frame's
// leftovers.
package ducttape

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fcmesh/fcmeshd/internal/addr"
	"github.com/fcmesh/fcmeshd/internal/cryptoauth"
	"github.com/fcmesh/fcmeshd/internal/dht"
	"github.com/fcmesh/fcmeshd/internal/session"
	"github.com/fcmesh/fcmeshd/internal/wire"
)

// ModuleName is the name the core registers under on the routing-layer pipe.
const ModuleName = "Ducttape"

// routerHopLimit is the hop limit planted on outbound router traffic. The
// core performs the only decrement on the path (the fabric never touches
// hop limits), so the frame re-enters decryptedIncoming at 1, is
// decremented to 0 there, and arrives at the peer matching the
// router-traffic predicate's hopLimit == 0.
const routerHopLimit = 1

// -------------------------------------------------------------------------
// Collaborator Interfaces
// -------------------------------------------------------------------------

// FrameWriter is a sink for outbound frames: the switch fabric on one side
// of the core, the tunnel device on the other.
type FrameWriter interface {
	WriteFrame(f *wire.Frame) error
}

// Router is the view of the routing module the core consumes.
type Router interface {
	// AddNode offers an authenticated peer to the routing table.
	AddNode(a addr.Address)

	// GetBest returns the best next hop toward dst, or false when this
	// node is the closest known.
	GetBest(dst [addr.IPSize]byte) (addr.Address, bool)

	// BrokenPath reports that the fabric declared the path behind a
	// label dead.
	BrokenPath(label uint64)
}

// -------------------------------------------------------------------------
// Dispatch Results
// -------------------------------------------------------------------------

// Sentinel results of dispatch operations. Success is a nil error.
var (
	// ErrInvalid indicates a malformed frame, an address/key binding
	// violation, or identity spoofing. Dropped with no feedback to the
	// sender.
	ErrInvalid = errors.New("ducttape: invalid frame")

	// ErrUndeliverable indicates a frame with nowhere to go: hop limit
	// exceeded, no route known, or no tunnel configured.
	ErrUndeliverable = errors.New("ducttape: undeliverable frame")
)

// -------------------------------------------------------------------------
// Per-Frame Dispatch Record
// -------------------------------------------------------------------------

// dispatch carries the state one entry point produces for the next
// synchronous call in the chain: the current switch header, the IPv6
// header, the authenticated outer key, the pre-selected next hop for
// locally originated router traffic, and the content session a frame was
// decrypted on. One record lives exactly as long as one frame's dispatch.
type dispatch struct {
	switchHeader wire.SwitchHeader
	ip6          wire.IP6Header
	herKey       [cryptoauth.KeySize]byte
	forwardTo    *addr.Address
	content      *session.Session
}

// -------------------------------------------------------------------------
// Core
// -------------------------------------------------------------------------

// Core is the packet-glue engine. It is owned by a single dispatch loop;
// none of its methods are safe for concurrent use.
type Core struct {
	ourAddr  addr.Address
	ca       *cryptoauth.CryptoAuth
	inner    *session.Manager
	router   Router
	registry *dht.Registry
	switchIf FrameWriter
	tunIf    FrameWriter
	sessions *sessionRegistry
	arena    *Arena
	metrics  MetricsReporter
	logger   *slog.Logger
}

// Register allocates the core, derives the node's overlay identity from
// the private key, wires the content-session manager around the same
// identity, enrols the core on the routing-layer pipe under ModuleName,
// and returns it ready for the owner to connect frame sources: the switch
// fabric feeds IncomingFromSwitch, the tunnel device feeds IP6FromTun.
//
// tunIf may be nil; inbound-for-us data frames are then undeliverable.
func Register(
	privateKey [cryptoauth.KeySize]byte,
	registry *dht.Registry,
	router Router,
	switchIf FrameWriter,
	tunIf FrameWriter,
	metrics MetricsReporter,
	logger *slog.Logger,
) (*Core, error) {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger = logger.With(slog.String("component", "ducttape"))

	ca, err := cryptoauth.New(privateKey, logger)
	if err != nil {
		return nil, fmt.Errorf("register core: %w", err)
	}
	our, err := addr.FromKey(ca.PublicKey(), addr.SelfLabel)
	if err != nil {
		return nil, fmt.Errorf("register core: %w", err)
	}

	c := &Core{
		ourAddr:  our,
		ca:       ca,
		inner:    session.NewManager(ca, logger),
		router:   router,
		registry: registry,
		switchIf: switchIf,
		tunIf:    tunIf,
		sessions: newSessionRegistry(ca, logger),
		arena:    NewArena(ArenaSize),
		metrics:  metrics,
		logger:   logger,
	}
	if err := registry.Register(c); err != nil {
		return nil, fmt.Errorf("register core: %w", err)
	}

	logger.Info("core registered",
		slog.String("address", our.Addr().String()),
	)
	return c, nil
}

// Name implements dht.Module.
func (c *Core) Name() string { return ModuleName }

// OurAddress returns the node's own overlay identity.
func (c *Core) OurAddress() addr.Address { return c.ourAddr }

// InnerSessions exposes the content-session manager, for key priming and
// introspection by the owner.
func (c *Core) InnerSessions() *session.Manager { return c.inner }

// OuterSessionCount returns the outer-session registry size.
func (c *Core) OuterSessionCount() int { return c.sessions.len() }

// ExpireOuterSessions drops outer sessions inserted before cutoff. The
// owner drives this between frames; the core applies no policy itself.
func (c *Core) ExpireOuterSessions(cutoff time.Time) int {
	n := c.sessions.expireOlderThan(cutoff)
	c.metrics.SetSessions(c.sessions.len())
	return n
}

// -------------------------------------------------------------------------
// Ingress — switch to local
// -------------------------------------------------------------------------

// IncomingFromSwitch accepts a frame aligned on the switch header as it
// arrived from the fabric. Control frames are interpreted here; data
// frames are steered through the outer session for their label. Failures
// past this point are logged and the frame dropped; the fabric gets no
// return value worth acting on.
func (c *Core) IncomingFromSwitch(f *wire.Frame) error {
	st := &dispatch{}

	if err := wire.UnmarshalSwitchHeader(f.Bytes(), &st.switchHeader); err != nil {
		c.logger.Debug("unparseable switch frame", slog.String("error", err.Error()))
		c.metrics.IncDropped(dropInvalid)
		return ErrInvalid
	}
	if _, err := f.Pop(wire.SwitchHeaderSize); err != nil {
		return ErrInvalid
	}
	// The fabric reverses the label hop by hop; un-reverse exactly once so
	// the stored label is the route back to the sender.
	st.switchHeader.Label = wire.ReverseLabel(st.switchHeader.Label)

	if st.switchHeader.Type == wire.MessageTypeControl {
		c.handleControl(st, f)
		return nil
	}

	sess := c.sessions.get(st.switchHeader.Label, [cryptoauth.KeySize]byte{})
	c.metrics.SetSessions(c.sessions.len())
	if err := sess.Decrypt(f); err != nil {
		c.logger.Debug("outer decrypt failed",
			slog.Uint64("label", st.switchHeader.Label),
			slog.String("error", err.Error()),
		)
		c.metrics.IncDropped(dropDecrypt)
		return nil
	}
	st.herKey = sess.HerPublicKey()

	if err := c.receivedFromCryptoAuth(st, f); err != nil {
		c.logger.Debug("inbound frame dropped",
			slog.Uint64("label", st.switchHeader.Label),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// receivedFromCryptoAuth handles a frame the outer session just
// authenticated: plaintext, aligned on the IPv6 header. This is the sole
// point where peers enter the routing table.
func (c *Core) receivedFromCryptoAuth(st *dispatch, f *wire.Frame) error {
	// The session layer hands us its authenticated key; a zero key here
	// means the session accepted a packet without one, which is a bug,
	// not a network condition.
	if st.herKey == ([cryptoauth.KeySize]byte{}) {
		panic("ducttape: authenticated frame with zero public key")
	}

	sender, err := addr.FromKey(st.herKey, st.switchHeader.Label)
	if err != nil {
		c.logger.Debug("peer key hashes outside fc00::/8",
			slog.Uint64("label", st.switchHeader.Label),
		)
		c.metrics.IncDropped(dropInvalid)
		return ErrInvalid
	}

	if err := c.checkIP6(st, f); err != nil {
		return err
	}

	c.router.AddNode(sender)

	return c.decryptedIncoming(st, f)
}

// decryptedIncoming routes a plaintext (at the outer layer) IPv6 frame:
// deliver locally, or forward toward the destination's next hop.
func (c *Core) decryptedIncoming(st *dispatch, f *wire.Frame) error {
	if err := c.checkIP6(st, f); err != nil {
		return err
	}

	if st.ip6.Dst == c.ourAddr.IP {
		return c.forUs(st, f)
	}

	if st.ip6.HopLimit == 0 {
		c.logger.Debug("hop limit exceeded",
			slog.String("dst", st.ip6Dst()),
		)
		c.metrics.IncDropped(dropUndeliverable)
		return ErrUndeliverable
	}
	wire.DecrementHopLimit(&st.ip6, f.Bytes())

	// Locally originated router traffic carries its next hop with it; the
	// routing module already knows where the message goes.
	if st.forwardTo != nil {
		target := *st.forwardTo
		st.forwardTo = nil
		return c.sendToRouter(st, target, f)
	}

	next, ok := c.router.GetBest(st.ip6.Dst)
	if !ok {
		// We are the closest node we know of, and it is not for us.
		c.logger.Debug("no route",
			slog.String("dst", st.ip6Dst()),
		)
		c.metrics.IncDropped(dropUndeliverable)
		return ErrUndeliverable
	}
	return c.sendToRouter(st, next, f)
}

// forUs strips the IPv6 header and runs the frame through the content
// session for its source address.
func (c *Core) forUs(st *dispatch, f *wire.Frame) error {
	if _, err := f.Pop(wire.IP6HeaderSize); err != nil {
		return ErrInvalid
	}
	if err := session.PlantIP(f, st.ip6.Src, false); err != nil {
		return ErrInvalid
	}
	cs, err := c.inner.Session(f, false)
	if err != nil {
		c.metrics.IncDropped(dropInvalid)
		return ErrInvalid
	}
	st.content = cs

	if err := cs.Decrypt(f); err != nil {
		c.logger.Debug("content decrypt failed",
			slog.String("src", st.ip6Src()),
			slog.String("error", err.Error()),
		)
		c.metrics.IncDropped(dropDecrypt)
		return ErrInvalid
	}
	return c.incomingForMe(st, f)
}

// incomingForMe handles a frame the content session decrypted for this
// node: router traffic goes up the routing-layer pipe, everything else
// goes to the tunnel device with its IPv6 header restored.
func (c *Core) incomingForMe(st *dispatch, f *wire.Frame) error {
	sender, err := addr.FromKey(st.content.HerPublicKey(), st.switchHeader.Label)
	if err != nil || sender.IP != st.ip6.Src {
		// The content key does not hash to the claimed source: spoofing.
		c.logger.Debug("source address does not match content key",
			slog.String("src", st.ip6Src()),
		)
		c.metrics.IncDropped(dropInvalid)
		return ErrInvalid
	}

	if c.isRouterTraffic(st, f) {
		if _, err := f.Pop(wire.UDPHeaderSize); err != nil {
			return ErrInvalid
		}
		return c.incomingDHT(f, sender)
	}

	if c.tunIf == nil {
		c.metrics.IncDropped(dropUndeliverable)
		return ErrUndeliverable
	}

	// Restore the IPv6 header in front of the payload. The payload length
	// must count what sits under the header now, not what did when the
	// frame arrived: the content-crypto framing is gone.
	st.ip6.PayloadLength = uint16(f.Len())
	if err := f.Shift(wire.IP6HeaderSize); err != nil {
		return ErrInvalid
	}
	if err := wire.MarshalIP6Header(&st.ip6, f.Bytes()); err != nil {
		return ErrInvalid
	}
	c.metrics.IncDelivered()
	return c.tunIf.WriteFrame(f)
}

// isRouterTraffic implements the router-traffic predicate: zero-ported
// UDP whose enclosing IPv6 header arrived with hop limit 0 and whose UDP
// length covers exactly the payload. The hop-limit marker is intentional:
// router-to-router traffic is never forwarded, and zero guarantees any
// forwarder would drop it anyway.
func (c *Core) isRouterTraffic(st *dispatch, f *wire.Frame) bool {
	if st.ip6.NextHeader != wire.NextHeaderUDP || st.ip6.HopLimit != 0 {
		return false
	}
	var udp wire.UDPHeader
	if err := wire.UnmarshalUDPHeader(f.Bytes(), &udp); err != nil {
		return false
	}
	return udp.SrcPort == 0 && udp.DstPort == 0 &&
		int(udp.Length) == f.Len()-wire.UDPHeaderSize
}

// incomingDHT copies the frame into a bounded routing-layer message in the
// scratch arena, delivers it up the pipe, and resets the arena.
func (c *Core) incomingDHT(f *wire.Frame, sender addr.Address) error {
	n := min(f.Len(), dht.MaxMessageSize)
	payload := c.arena.Alloc(n)
	copy(payload, f.Bytes()[:n])

	msg := &dht.Message{Payload: payload, Address: sender, Alloc: c.arena}
	c.metrics.IncRouterIn()
	err := c.registry.DeliverIncoming(msg)
	c.arena.Reset()
	if err != nil {
		c.logger.Warn("router message rejected",
			slog.String("from", sender.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// -------------------------------------------------------------------------
// Egress — local to switch
// -------------------------------------------------------------------------

// IP6FromTun accepts a plaintext IPv6 packet from the local tunnel device.
// Single-identity policy: the source must be our own address.
func (c *Core) IP6FromTun(f *wire.Frame) error {
	st := &dispatch{}
	if err := c.checkIP6(st, f); err != nil {
		return err
	}
	if st.ip6.Src != c.ourAddr.IP {
		c.logger.Debug("tunnel packet with foreign source",
			slog.String("src", st.ip6Src()),
		)
		c.metrics.IncDropped(dropInvalid)
		return ErrInvalid
	}
	st.switchHeader = wire.SwitchHeader{}

	if _, err := f.Pop(wire.IP6HeaderSize); err != nil {
		return ErrInvalid
	}
	if err := session.PlantIP(f, st.ip6.Dst, true); err != nil {
		return ErrInvalid
	}
	cs, err := c.inner.Session(f, true)
	if err != nil {
		c.metrics.IncDropped(dropInvalid)
		return ErrInvalid
	}
	st.content = cs

	if err := cs.Encrypt(f); err != nil {
		// Typically: no content key learned for this endpoint yet.
		c.logger.Debug("content encrypt failed",
			slog.String("dst", st.ip6Dst()),
			slog.String("error", err.Error()),
		)
		c.metrics.IncDropped(dropUndeliverable)
		return ErrUndeliverable
	}
	return c.outgoingFromMe(st, f)
}

// HandleOutgoing implements dht.OutgoingHandler: the routing module emits
// a message to a peer whose address it already knows. The message is
// framed as zero-ported UDP over IPv6, encrypted end to end, and re-enters
// the dispatch chain with its next hop pre-selected.
func (c *Core) HandleOutgoing(msg *dht.Message) error {
	f := wire.FromPayload(msg.Payload, wire.DefaultHeadroom)
	defer f.Free()

	udp := wire.UDPHeader{Length: uint16(f.Len())}
	if err := f.Shift(wire.UDPHeaderSize); err != nil {
		return err
	}
	if err := wire.MarshalUDPHeader(&udp, f.Bytes()); err != nil {
		return err
	}

	st := &dispatch{}
	st.ip6 = wire.IP6Header{
		PayloadLength: uint16(f.Len()),
		NextHeader:    wire.NextHeaderUDP,
		HopLimit:      routerHopLimit,
		Src:           c.ourAddr.IP,
		Dst:           msg.Address.IP,
	}
	target := msg.Address
	st.forwardTo = &target

	if err := session.PlantIP(f, msg.Address.IP, true); err != nil {
		return err
	}
	if err := c.inner.SetKey(f, msg.Address.Key, true); err != nil {
		return fmt.Errorf("router message to %s: %w", msg.Address, err)
	}
	cs, err := c.inner.Session(f, true)
	if err != nil {
		return err
	}
	st.content = cs

	if err := cs.Encrypt(f); err != nil {
		return fmt.Errorf("router message to %s: %w", msg.Address, err)
	}
	c.metrics.IncRouterOut()
	return c.outgoingFromMe(st, f)
}

// outgoingFromMe prepends the pending IPv6 header onto a frame the content
// session just encrypted, then routes it outward through the normal
// dispatch chain.
func (c *Core) outgoingFromMe(st *dispatch, f *wire.Frame) error {
	// The header must count the content-crypto framing now hidden under it.
	st.ip6.PayloadLength = uint16(f.Len())

	if err := f.Shift(wire.IP6HeaderSize); err != nil {
		return err
	}
	if st.ip6.Dst == c.ourAddr.IP {
		// Kickback: the content layer produced a handshake response for a
		// remote initiator, so the pending header still describes the
		// inbound direction.
		st.ip6.Src, st.ip6.Dst = st.ip6.Dst, st.ip6.Src
	}
	if err := wire.MarshalIP6Header(&st.ip6, f.Bytes()); err != nil {
		return err
	}
	return c.decryptedIncoming(st, f)
}

// sendToRouter encrypts the frame for the chosen next hop's outer session
// and hands it to the switch under that hop's label.
func (c *Core) sendToRouter(st *dispatch, target addr.Address, f *wire.Frame) error {
	// Re-aim the switch header at the target. The copy in the dispatch
	// record is the one that survives the outer layer overwriting the
	// header bytes in the buffer.
	st.switchHeader.Label = target.Label
	st.switchHeader.Type = wire.MessageTypeData

	sess := c.sessions.get(target.Label, target.Key)
	c.metrics.SetSessions(c.sessions.len())
	if err := sess.Encrypt(f); err != nil {
		c.logger.Debug("outer encrypt failed",
			slog.String("target", target.String()),
			slog.String("error", err.Error()),
		)
		c.metrics.IncDropped(dropUndeliverable)
		return ErrUndeliverable
	}
	c.metrics.IncForwarded()
	return c.sendToSwitch(f, &st.switchHeader)
}

// sendToSwitch prepends the switch header (label in forward bit order; the
// fabric does the reversing) and emits the frame.
func (c *Core) sendToSwitch(f *wire.Frame, hdr *wire.SwitchHeader) error {
	if err := f.Shift(wire.SwitchHeaderSize); err != nil {
		return err
	}
	if err := wire.MarshalSwitchHeader(hdr, f.Bytes()); err != nil {
		return err
	}
	return c.switchIf.WriteFrame(f)
}

// -------------------------------------------------------------------------
// Control Frames
// -------------------------------------------------------------------------

// handleControl interprets a switch-layer control frame. Error frames
// whose cause matches the current label and whose code is
// MalformedAddress report a broken path upward; everything else is logged
// and discarded.
func (c *Core) handleControl(st *dispatch, f *wire.Frame) {
	var pkt wire.ControlPacket
	if err := wire.UnmarshalControlPacket(f.Bytes(), &pkt); err != nil {
		c.logger.Debug("unparseable control frame",
			slog.Uint64("label", st.switchHeader.Label),
			slog.String("error", err.Error()),
		)
		c.metrics.IncDropped(dropControl)
		return
	}

	if pkt.Type != wire.ControlTypeError {
		c.logger.Debug("control frame discarded",
			slog.String("type", pkt.Type.String()),
			slog.Uint64("label", st.switchHeader.Label),
		)
		c.metrics.IncDropped(dropControl)
		return
	}

	if pkt.CauseLabel != st.switchHeader.Label {
		// A report about a frame we did not send through this label;
		// likely corruption somewhere on the path.
		c.logger.Debug("error frame cause label mismatch",
			slog.Uint64("label", st.switchHeader.Label),
			slog.Uint64("cause", pkt.CauseLabel),
		)
		return
	}

	if pkt.ErrorCode == wire.ErrorMalformedAddress {
		c.router.BrokenPath(st.switchHeader.Label)
		c.metrics.IncBrokenPath()
		return
	}

	c.logger.Debug("switch error reported",
		slog.Uint64("label", st.switchHeader.Label),
		slog.String("code", pkt.ErrorCode.String()),
	)
}

// -------------------------------------------------------------------------
// Validation Helpers
// -------------------------------------------------------------------------

// checkIP6 decodes and validates the IPv6 header at the front of the
// frame into the dispatch record. Violations are logged and surfaced as
// INVALID.
func (c *Core) checkIP6(st *dispatch, f *wire.Frame) error {
	if err := wire.UnmarshalIP6Header(f.Bytes(), &st.ip6); err != nil {
		c.logger.Debug("bad ipv6 header", slog.String("error", err.Error()))
		c.metrics.IncDropped(dropInvalid)
		return ErrInvalid
	}
	if err := wire.ValidateIP6(&st.ip6, f.Len()); err != nil {
		c.logger.Debug("ipv6 validation failed", slog.String("error", err.Error()))
		c.metrics.IncDropped(dropInvalid)
		return ErrInvalid
	}
	return nil
}

// ip6Src renders the dispatch record's source address for logging.
func (st *dispatch) ip6Src() string {
	return addr.Address{IP: st.ip6.Src}.Addr().String()
}

// ip6Dst renders the dispatch record's destination address for logging.
func (st *dispatch) ip6Dst() string {
	return addr.Address{IP: st.ip6.Dst}.Addr().String()
}
