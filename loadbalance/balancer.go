// Package loadbalance picks one address when a peer advertises several.
//
// Two strategies are implemented:
//   - RoundRobin:      spread dials evenly over all addresses
//   - WeightedRandom:  prefer addresses with a higher advertised weight
package loadbalance

import (
	"fmt"

	"peer-rpc/registry"
)

// Balancer is the interface for address selection strategies.
// The TCP provider calls Pick() before each dial.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Must be goroutine-safe.
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "round-robin", "":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
