// Package registry maps peer ids to the network addresses they listen on.
//
// The TCP connection provider asks a Resolver where a peer lives before
// dialing it. A peer may advertise several addresses; picking one is left to
// a loadbalance.Balancer.
package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Resolve when a peer has no registered address.
var ErrNotFound = errors.New("peer not registered")

type Instance struct {
	PeerID string `json:"peer_id"`
	Addr   string `json:"addr"`
	Weight int    `json:"weight,omitempty"` // Weight for address selection
}

// Resolver is the read side consumed by transports.
type Resolver interface {
	Resolve(ctx context.Context, peerID string) ([]Instance, error)
}

type Registry interface {
	Resolver
	Register(ctx context.Context, instance Instance, ttl int64) error
	Deregister(ctx context.Context, peerID string, addr string) error
	List(ctx context.Context) ([]Instance, error)
	Watch(ctx context.Context, peerID string) <-chan []Instance
	Close() error
}
