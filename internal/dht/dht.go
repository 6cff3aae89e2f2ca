// Package dht implements the routing-layer side of the overlay node: the
// module registry that multiplexes in-band router traffic to its consumers,
// the bounded message type that traffic is carried in, and the routing
// module that tracks known nodes and answers next-hop queries.
package dht

import (
	"errors"
	"fmt"

	"github.com/fcmesh/fcmeshd/internal/addr"
)

// -------------------------------------------------------------------------
// Messages
// -------------------------------------------------------------------------

// MaxMessageSize bounds the payload of a single routing-layer message.
// Larger frames are truncated at the adapter boundary; router traffic
// never legitimately approaches this.
const MaxMessageSize = 1536

// Allocator is the scratch memory a message's payload was copied into.
// Consumers must not retain references into it past their own return; it
// is reset after every top-level delivery.
type Allocator interface {
	// Alloc returns n bytes of scratch memory.
	Alloc(n int) []byte

	// Reset releases everything allocated since the last Reset.
	Reset()
}

// Message is one routing-layer message, inbound or outbound.
type Message struct {
	// Payload is the message body. For inbound messages it lives in the
	// per-message scratch allocator.
	Payload []byte

	// Address identifies the far node: the authenticated sender for
	// inbound messages, the target for outbound ones.
	Address addr.Address

	// Alloc is the scratch allocator the payload was copied into; nil
	// for outbound messages.
	Alloc Allocator
}

// -------------------------------------------------------------------------
// Module Registry
// -------------------------------------------------------------------------

// Module is a named participant on the routing-layer pipe.
type Module interface {
	// Name identifies the module in logs and registration errors.
	Name() string
}

// IncomingHandler is implemented by modules that consume router traffic
// arriving from the network.
type IncomingHandler interface {
	Module
	HandleIncoming(msg *Message) error
}

// OutgoingHandler is implemented by modules that carry router traffic
// toward the network.
type OutgoingHandler interface {
	Module
	HandleOutgoing(msg *Message) error
}

// Registry wires routing-layer modules together. Incoming messages fan out
// to every IncomingHandler; outgoing messages go to the first registered
// OutgoingHandler only, and its result is returned as is.
type Registry struct {
	modules  []Module
	incoming []IncomingHandler
	outgoing []OutgoingHandler
}

// Sentinel errors for registry operations.
var (
	// ErrDuplicateModule indicates a second registration under one name.
	ErrDuplicateModule = errors.New("dht: module name already registered")

	// ErrNoOutgoingHandler indicates an outbound message with no module
	// willing to carry it.
	ErrNoOutgoingHandler = errors.New("dht: no outgoing handler registered")
)

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a module. Modules are invoked in registration order.
func (r *Registry) Register(m Module) error {
	for _, existing := range r.modules {
		if existing.Name() == m.Name() {
			return fmt.Errorf("register %q: %w", m.Name(), ErrDuplicateModule)
		}
	}
	r.modules = append(r.modules, m)
	if h, ok := m.(IncomingHandler); ok {
		r.incoming = append(r.incoming, h)
	}
	if h, ok := m.(OutgoingHandler); ok {
		r.outgoing = append(r.outgoing, h)
	}
	return nil
}

// DeliverIncoming fans an inbound message out to every incoming handler.
// The first handler error stops delivery and is returned.
func (r *Registry) DeliverIncoming(msg *Message) error {
	for _, h := range r.incoming {
		if err := h.HandleIncoming(msg); err != nil {
			return fmt.Errorf("module %q: %w", h.Name(), err)
		}
	}
	return nil
}

// DeliverOutgoing hands an outbound message to the first registered
// outgoing handler. In this node that is always the packet core.
func (r *Registry) DeliverOutgoing(msg *Message) error {
	for _, h := range r.outgoing {
		return h.HandleOutgoing(msg)
	}
	return ErrNoOutgoingHandler
}
