// Package transport defines the connection provider a node talks through and
// ships two implementations:
//
//   - Router/MemProvider: in-process, no I/O, optional per-direction delays;
//     for tests and simulations.
//   - TCPProvider: framed envelopes over TCP, peers located via a registry.
//
// A Conn is a bidirectional channel to one peer. The node installs a Handler
// on every Conn before it expects traffic; a Conn holds back received
// envelopes until its handler is set, so nothing that arrives early is lost.
package transport

import (
	"context"

	"peer-rpc/message"
)

// Handler receives envelopes read from a Conn, one at a time, in arrival order.
type Handler func(env *message.Envelope)

// Conn is an open channel to one peer.
type Conn interface {
	// RemoteID is the peer's node id.
	RemoteID() string
	// Send writes env to the peer. Safe for concurrent use.
	Send(env *message.Envelope) error
	// SetHandler installs h; envelopes received before the first call are
	// delivered once it is made.
	SetHandler(h Handler)
	Close() error
}

// Provider yields connections to peers by id.
type Provider interface {
	// Connect returns an open Conn to peerID, reusing an existing one when
	// possible. Failures wrap message.ErrConnection.
	Connect(ctx context.Context, peerID string) (Conn, error)
	// OnConnection registers fn to be called for every connection a peer
	// opens to us, before any envelope on it is delivered.
	OnConnection(fn func(Conn))
	Close() error
}
