// Package transport defines the contract shared by the in-process and Redis
// pub/sub transports that carry envelopes between message bus instances.
package transport

import (
	"context"

	"fulcrum/messagebus/internal/envelope"
)

// Handler receives envelopes delivered by a transport. The transport recovers
// panics from Handler itself; most callers plug in the bus's dispatch func.
type Handler func(envelope.Envelope)

// Transport moves already-constructed envelopes between server instances. It
// does not know about codecs, subscriptions, or correlation; it is purely a
// delivery mechanism keyed by server identifier.
type Transport interface {
	// ServerID returns the identifier this transport instance publishes under.
	ServerID() string

	// Broadcast hands env to every connected peer, including this instance.
	Broadcast(ctx context.Context, env envelope.Envelope) error

	// Send hands env to the specific target peer. Delivery to an unknown or
	// unreachable target is a soft failure: it is logged, never returned as
	// an error.
	Send(ctx context.Context, target string, env envelope.Envelope) error

	// SetHandler installs the function invoked for every envelope this
	// transport delivers to this instance, including its own broadcasts.
	SetHandler(handler Handler)

	// IsConnected reports whether the transport considers itself healthy.
	IsConnected() bool

	// Shutdown releases transport resources. Idempotent.
	Shutdown(ctx context.Context) error
}
