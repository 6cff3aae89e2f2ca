package dht

import (
	"log/slog"
	"time"

	"github.com/fcmesh/fcmeshd/internal/addr"
)

// -------------------------------------------------------------------------
// RouterModule — node store and next-hop selection
// -------------------------------------------------------------------------

// routerModuleName is the registry name of the routing module.
const routerModuleName = "RouterModule"

// node is one known peer and the bookkeeping around it.
type node struct {
	addr     addr.Address
	addedAt  time.Time
	lastSeen time.Time
}

// RouterModule tracks the nodes this overlay node has authenticated and
// answers next-hop queries by closeness in the address space. Nodes enter
// exclusively through AddNode, which the packet core calls on every
// successful outer decryption; paths leave through BrokenPath when the
// fabric reports a dead label.
//
// The module is owned by the single dispatch loop and needs no locking.
type RouterModule struct {
	self     addr.Address
	nodes    map[[addr.IPSize]byte]*node
	logger   *slog.Logger
	now      func() time.Time
	inCount  uint64
	outbound *Registry
}

// NewRouterModule creates a routing module for the node with identity self.
func NewRouterModule(self addr.Address, registry *Registry, logger *slog.Logger) *RouterModule {
	return &RouterModule{
		self:     self,
		nodes:    make(map[[addr.IPSize]byte]*node),
		logger:   logger.With(slog.String("component", "dht.router")),
		now:      time.Now,
		outbound: registry,
	}
}

// Name implements Module.
func (r *RouterModule) Name() string { return routerModuleName }

// AddNode records a peer. Re-adding an existing node refreshes its label
// and last-seen time; the identity itself never changes (the address is a
// hash of the key).
func (r *RouterModule) AddNode(a addr.Address) {
	if a.IP == r.self.IP {
		return
	}
	if n, ok := r.nodes[a.IP]; ok {
		n.addr.Label = a.Label
		n.lastSeen = r.now()
		return
	}
	r.nodes[a.IP] = &node{addr: a, addedAt: r.now(), lastSeen: r.now()}
	r.logger.Debug("node added",
		slog.String("node", a.String()),
		slog.Int("total", len(r.nodes)),
	)
}

// GetBest returns the known node closest to dst in the address space, or
// false when no node is closer to dst than we are ourselves -- meaning
// this node is the closest it knows of and the frame is undeliverable.
func (r *RouterModule) GetBest(dst [addr.IPSize]byte) (addr.Address, bool) {
	if n, ok := r.nodes[dst]; ok {
		return n.addr, true
	}

	var best *node
	for _, n := range r.nodes {
		if best == nil || closer(dst, n.addr.IP, best.addr.IP) {
			best = n
		}
	}
	if best == nil {
		return addr.Address{}, false
	}
	if !closer(dst, best.addr.IP, r.self.IP) {
		return addr.Address{}, false
	}
	return best.addr, true
}

// BrokenPath drops every node reached through the given label. The fabric
// reported the path dead; traffic routed over it would only generate more
// error frames.
func (r *RouterModule) BrokenPath(label uint64) {
	for ip, n := range r.nodes {
		if n.addr.Label == label {
			delete(r.nodes, ip)
			r.logger.Info("path broken, node dropped",
				slog.String("node", n.addr.String()),
			)
		}
	}
}

// HandleIncoming implements IncomingHandler: consumes router traffic
// addressed to this module. Queries and responses beyond liveness
// bookkeeping are outside this module's scope.
func (r *RouterModule) HandleIncoming(msg *Message) error {
	r.inCount++
	if n, ok := r.nodes[msg.Address.IP]; ok {
		n.lastSeen = r.now()
	}
	r.logger.Debug("router message received",
		slog.String("from", msg.Address.String()),
		slog.Int("bytes", len(msg.Payload)),
	)
	return nil
}

// Send emits a routing-layer message toward target over the registry's
// outgoing pipe.
func (r *RouterModule) Send(payload []byte, target addr.Address) error {
	return r.outbound.DeliverOutgoing(&Message{Payload: payload, Address: target})
}

// MessagesReceived returns the number of router messages consumed.
func (r *RouterModule) MessagesReceived() uint64 { return r.inCount }

// Len returns the number of known nodes.
func (r *RouterModule) Len() int { return len(r.nodes) }

// closer reports whether a is strictly closer to dst than b is, using
// big-endian XOR distance over the 16-byte address space.
func closer(dst, a, b [addr.IPSize]byte) bool {
	for i := range dst {
		da := dst[i] ^ a[i]
		db := dst[i] ^ b[i]
		if da != db {
			return da < db
		}
	}
	return false
}
