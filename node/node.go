// Package node implements a peer-rpc node: the owner of an identity, a
// scope, and the pending call table that matches asynchronous replies to the
// calls that issued them.
//
// Outbound, Invoke/Attr/Ping build a request envelope with a fresh
// correlation token, register it in the pending table with a timeout, send it
// through the connection provider and wait for the first of reply or expiry.
// Inbound, every envelope a connection delivers is routed by kind: requests
// to the scope handler, which answers over the same connection; replies to
// the pending table, where unknown or expired tokens are dropped.
//
//	caller → Invoke → provider → wire → peer dispatch → scope handler
//	       ← pending[token] ← dispatch ← wire ← provider ← reply
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peer-rpc/message"
	"peer-rpc/middleware"
	"peer-rpc/pending"
	"peer-rpc/scope"
	"peer-rpc/token"
	"peer-rpc/transport"
)

// ErrClosed is returned by calls on a closed node and settles calls still
// pending when it closes.
var ErrClosed = errors.New("node closed")

// Node is one addressable RPC participant.
type Node struct {
	id       string
	scope    *scope.Scope
	provider transport.Provider
	pending  *pending.Table
	tokens   *token.Generator
	handler  middleware.HandlerFunc // Scope handler wrapped in the configured middlewares
	cfg      Config
	clock    clock.Clock
	log      *zap.Logger

	ctx    context.Context // Cancelled on Close; releases requests still being served
	cancel context.CancelFunc

	// wg.Add happens under the read lock of serving, and only while closed
	// is false; Close sets closed under the write lock before Wait.
	serving sync.RWMutex
	wg      sync.WaitGroup // Requests being served
	closed  atomic.Bool
}

// New creates node id serving sc through provider, and subscribes to the
// provider's inbound connections. The node owns provider from here on and
// closes it in Close.
func New(id string, sc *scope.Scope, provider transport.Provider, cfg Config) (*Node, error) {
	if id == "" {
		return nil, fmt.Errorf("node: empty id")
	}
	if provider == nil {
		return nil, fmt.Errorf("node %s: nil connection provider", id)
	}
	if sc == nil {
		sc = scope.New(nil)
	}
	cfg = cfg.withDefaults()

	n := &Node{
		id:       id,
		scope:    sc,
		provider: provider,
		pending:  pending.NewTable(cfg.Clock),
		tokens:   token.NewGenerator(cfg.Clock.Now),
		cfg:      cfg,
		clock:    cfg.Clock,
		log:      cfg.Logger.With(zap.String("node", id)),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.handler = middleware.Chain(cfg.Middlewares...)(n.handle)

	provider.OnConnection(n.attach)
	return n, nil
}

// ID returns the node's identity.
func (n *Node) ID() string { return n.id }

// Scope returns the scope the node serves.
func (n *Node) Scope() *scope.Scope { return n.scope }

// track adds one request to the set Close waits for. It reports false once
// the node is closed.
func (n *Node) track() bool {
	n.serving.RLock()
	defer n.serving.RUnlock()
	if n.closed.Load() {
		return false
	}
	n.wg.Add(1)
	return true
}

// attach routes everything conn receives into this node.
func (n *Node) attach(conn transport.Conn) {
	conn.SetHandler(func(env *message.Envelope) {
		n.dispatch(conn, env)
	})
}

// Close stops the node: pending calls fail with ErrClosed, requests still
// waiting on their scope function are abandoned, and the provider is closed.
func (n *Node) Close() error {
	n.serving.Lock()
	if n.closed.Load() {
		n.serving.Unlock()
		return nil
	}
	n.closed.Store(true)
	n.serving.Unlock()

	n.cancel()
	n.pending.CloseAll(ErrClosed)

	err := n.provider.Close()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(n.cfg.ShutdownTimeout):
		err = multierr.Append(err, fmt.Errorf("node %s: timeout waiting for in-flight requests to finish", n.id))
	}
	return err
}
