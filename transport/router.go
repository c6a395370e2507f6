package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"peer-rpc/codec"
	"peer-rpc/message"
)

// Router connects in-process providers to each other. Every node of a test or
// simulation gets its own provider from the same Router; there is no global
// state.
//
// Envelopes sent to an id that has no provider are dropped, the way a
// datagram to an absent host is, so calls to it run into their timeout.
// Refuse makes Connect fail outright instead.
type Router struct {
	mu      sync.Mutex
	peers   map[string]*MemProvider
	delays  map[route]time.Duration
	refused map[string]bool
	codec   codec.Codec
	clock   clock.Clock
}

type route struct{ from, to string }

// NewRouter creates an empty router whose delays run on clk (nil for the
// wall clock).
func NewRouter(clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.New()
	}
	return &Router{
		peers:   make(map[string]*MemProvider),
		delays:  make(map[route]time.Duration),
		refused: make(map[string]bool),
		clock:   clk,
	}
}

// SetCodec makes every envelope travel encoded with c, exactly as it would
// over a byte transport. With no codec set, receivers get a copy of the
// sender's envelope.
func (r *Router) SetCodec(c codec.Codec) {
	r.mu.Lock()
	r.codec = c
	r.mu.Unlock()
}

// SetDelay holds every envelope sent from one id to another for d.
func (r *Router) SetDelay(from, to string, d time.Duration) {
	r.mu.Lock()
	r.delays[route{from, to}] = d
	r.mu.Unlock()
}

// Refuse makes Connect to id fail with message.ErrConnection (refused=true)
// or behave normally again (refused=false).
func (r *Router) Refuse(id string, refused bool) {
	r.mu.Lock()
	r.refused[id] = refused
	r.mu.Unlock()
}

// Provider returns the provider for node id, creating it on first use.
func (r *Router) Provider(id string) *MemProvider {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		return p
	}
	p := &MemProvider{
		id:     id,
		router: r,
		conns:  make(map[string]*memConn),
	}
	r.peers[id] = p
	return p
}

func (r *Router) lookup(id string) (p *MemProvider, refused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[id], r.refused[id]
}

func (r *Router) remove(p *MemProvider) {
	r.mu.Lock()
	if r.peers[p.id] == p {
		delete(r.peers, p.id)
	}
	r.mu.Unlock()
}

func (r *Router) settings(from, to string) (time.Duration, codec.Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delays[route{from, to}], r.codec
}

// MemProvider is one node's view of a Router.
type MemProvider struct {
	id     string
	router *Router

	mu     sync.Mutex
	conns  map[string]*memConn // remote id -> our end
	onConn func(Conn)
	closed bool
}

var _ Provider = (*MemProvider)(nil)

func (p *MemProvider) OnConnection(fn func(Conn)) {
	p.mu.Lock()
	p.onConn = fn
	p.mu.Unlock()
}

// Connect returns this provider's end of the link to peerID, creating both
// ends on first use. The peer is told about its end through its
// OnConnection callback.
func (p *MemProvider) Connect(ctx context.Context, peerID string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remote, refused := p.router.lookup(peerID)
	if refused {
		return nil, fmt.Errorf("%w: %s refused connection from %s", message.ErrConnection, peerID, p.id)
	}

	local, _, err := p.end(peerID)
	if err != nil {
		return nil, err
	}
	if remote == nil || remote == p || local.linked() {
		return local, nil
	}

	far, farCreated, err := remote.end(p.id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrConnection, err)
	}
	local.link(far)
	if farCreated {
		remote.accepted(far)
	}
	return local, nil
}

// end returns our conn to remoteID, creating it if needed.
func (p *MemProvider) end(remoteID string) (c *memConn, created bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, fmt.Errorf("%w: provider %s closed", message.ErrConnection, p.id)
	}
	if c, ok := p.conns[remoteID]; ok && !c.in.isClosed() {
		return c, false, nil
	}
	c = newMemConn(p, remoteID)
	p.conns[remoteID] = c
	return c, true, nil
}

func (p *MemProvider) accepted(c *memConn) {
	p.mu.Lock()
	fn := p.onConn
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *MemProvider) forget(c *memConn) {
	p.mu.Lock()
	if p.conns[c.remote] == c {
		delete(p.conns, c.remote)
	}
	p.mu.Unlock()
}

// Close closes every connection of this provider and leaves the router.
func (p *MemProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*memConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	p.router.remove(p)
	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// memConn is one end of an in-process link. peer is nil while the far side
// does not exist; sends are then dropped.
type memConn struct {
	owner  *MemProvider
	remote string
	in     *inbox

	mu   sync.Mutex
	peer *memConn
}

var _ Conn = (*memConn)(nil)

func newMemConn(owner *MemProvider, remote string) *memConn {
	c := &memConn{owner: owner, remote: remote, in: newInbox()}
	go c.in.run()
	return c
}

func (c *memConn) link(far *memConn) {
	c.mu.Lock()
	c.peer = far
	c.mu.Unlock()
	far.mu.Lock()
	far.peer = c
	far.mu.Unlock()
}

func (c *memConn) linked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer != nil
}

func (c *memConn) RemoteID() string { return c.remote }

func (c *memConn) SetHandler(h Handler) { c.in.setHandler(h) }

func (c *memConn) Send(env *message.Envelope) error {
	if c.in.isClosed() {
		return fmt.Errorf("%w: connection to %s closed", message.ErrConnection, c.remote)
	}
	c.mu.Lock()
	far := c.peer
	c.mu.Unlock()
	if far == nil {
		return nil
	}

	delay, cdc := c.owner.router.settings(c.owner.id, c.remote)
	out, err := transfer(env, cdc)
	if err != nil {
		return err
	}
	if delay <= 0 {
		far.in.push(out)
		return nil
	}
	c.owner.router.clock.AfterFunc(delay, func() { far.in.push(out) })
	return nil
}

// transfer gives the receiver its own envelope, encoded and decoded by cdc
// when one is set.
func transfer(env *message.Envelope, cdc codec.Codec) (*message.Envelope, error) {
	if cdc == nil {
		out := *env
		out.Args = append([]any(nil), env.Args...)
		if env.Error != nil {
			e := *env.Error
			out.Error = &e
		}
		return &out, nil
	}
	data, err := cdc.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Kind, err)
	}
	out := new(message.Envelope)
	if err := cdc.Decode(data, out); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", env.Kind, err)
	}
	return out, nil
}

// Close closes both ends of the link.
func (c *memConn) Close() error {
	c.in.close()
	c.owner.forget(c)

	c.mu.Lock()
	far := c.peer
	c.peer = nil
	c.mu.Unlock()
	if far != nil && !far.in.isClosed() {
		far.Close()
	}
	return nil
}
