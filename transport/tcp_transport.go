package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/loadbalance"
	"peer-rpc/message"
	"peer-rpc/protocol"
	"peer-rpc/registry"
)

// TCPOptions configures a TCPProvider.
type TCPOptions struct {
	ListenAddr        string               // e.g. ":7946"; empty for a dial-only provider
	AdvertiseAddr     string               // Address registered for this node; defaults to the listener's address
	Registry          registry.Registry    // Resolves peers on dial; this node registers itself on Listen
	Balancer          loadbalance.Balancer // Picks among several addresses of a peer; defaults to round robin
	Codec             codec.CodecType      // Encoding of outgoing envelopes
	HeartbeatInterval time.Duration        // 0 means 30s
	HelloTimeout      time.Duration        // Max wait for an accepted peer's hello frame; 0 means 5s
	RegistryTTL       int64                // Lease TTL in seconds; 0 means 10
	Logger            *zap.Logger
}

// TCPProvider is a Provider over TCP. Every connection starts with a hello
// frame carrying the dialer's node id; after that both sides may send
// envelopes on it, and at most one connection per peer is kept for dialing.
//
// Lifecycle:
//
//	Listen → register in registry → accept loop (handshake → OnConnection → recvLoop)
//	Connect → resolve → balancer pick → dial → hello → recvLoop
//	Close → deregister → stop accepting → close connections → wait for loops
type TCPProvider struct {
	id   string
	opts TCPOptions
	log  *zap.Logger

	listener  net.Listener
	advertise string

	mu     sync.Mutex
	conns  map[string]*tcpConn   // remote id -> connection used for Connect
	all    map[*tcpConn]struct{} // every open connection, closed on shutdown
	onConn func(Conn)

	wg       sync.WaitGroup // Accept loop and per-connection loops
	shutdown atomic.Bool    // Set before closing the listener so Accept errors read as intentional
}

var _ Provider = (*TCPProvider)(nil)

// NewTCPProvider creates a provider for node id. Call Listen to accept
// connections from peers.
func NewTCPProvider(id string, opts TCPOptions) *TCPProvider {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = 5 * time.Second
	}
	if opts.RegistryTTL <= 0 {
		opts.RegistryTTL = 10
	}
	return &TCPProvider{
		id:    id,
		opts:  opts,
		log:   opts.Logger.Named("tcp").With(zap.String("node", id)),
		conns: make(map[string]*tcpConn),
		all:   make(map[*tcpConn]struct{}),
	}
}

func (p *TCPProvider) OnConnection(fn func(Conn)) {
	p.mu.Lock()
	p.onConn = fn
	p.mu.Unlock()
}

// Listen binds opts.ListenAddr, registers the advertised address and starts
// accepting peers in the background.
func (p *TCPProvider) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.opts.ListenAddr)
	if err != nil {
		return err
	}
	p.listener = listener

	// The advertised address differs from ":7946", which is not routable for
	// other hosts.
	p.advertise = p.opts.AdvertiseAddr
	if p.advertise == "" {
		p.advertise = listener.Addr().String()
	}

	if p.opts.Registry != nil {
		inst := registry.Instance{PeerID: p.id, Addr: p.advertise}
		if err := p.opts.Registry.Register(ctx, inst, p.opts.RegistryTTL); err != nil {
			listener.Close()
			return fmt.Errorf("register %s at %s: %w", p.id, p.advertise, err)
		}
	}

	p.wg.Add(1)
	go p.acceptLoop()
	p.log.Info("listening", zap.String("addr", listener.Addr().String()), zap.String("advertise", p.advertise))
	return nil
}

// Addr returns the listener's address, or nil before Listen.
func (p *TCPProvider) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *TCPProvider) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if !p.shutdown.Load() {
				p.log.Error("accept failed, no longer accepting", zap.Error(err))
			}
			return
		}
		p.wg.Add(1)
		go p.handshake(conn)
	}
}

// handshake reads the hello frame of an accepted connection, then hands the
// connection to the OnConnection callback before any envelope is delivered.
func (p *TCPProvider) handshake(conn net.Conn) {
	defer p.wg.Done()

	conn.SetReadDeadline(time.Now().Add(p.opts.HelloTimeout))
	header, body, err := protocol.Decode(conn)
	if err != nil || header.MsgType != protocol.MsgTypeHello || len(body) == 0 {
		p.log.Debug("rejecting connection without hello", zap.Stringer("remote_addr", conn.RemoteAddr()), zap.Error(err))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	c := p.track(string(body), conn)
	if c == nil {
		conn.Close()
		return
	}

	p.mu.Lock()
	fn := p.onConn
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
	p.log.Debug("accepted connection", zap.String("peer", c.remote))
	p.start(c)
}

// track wraps an accepted conn. It becomes the connection Connect hands out
// for remote unless one already exists. It returns nil once the provider is
// shutting down.
func (p *TCPProvider) track(remote string, conn net.Conn) *tcpConn {
	c := newTCPConn(remote, conn, codec.GetCodec(p.opts.Codec), p.log, p.forget)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown.Load() {
		return nil
	}
	if _, ok := p.conns[remote]; !ok {
		p.conns[remote] = c
	}
	p.all[c] = struct{}{}
	p.wg.Add(3) // loops started by start
	return c
}

// start runs the loops of c; the caller has already added them to p.wg.
func (p *TCPProvider) start(c *tcpConn) {
	go func() {
		defer p.wg.Done()
		c.recvLoop()
	}()
	go func() {
		defer p.wg.Done()
		c.in.run()
	}()
	go func() {
		defer p.wg.Done()
		c.heartbeatLoop(p.opts.HeartbeatInterval)
	}()
}

func (p *TCPProvider) forget(c *tcpConn) {
	p.mu.Lock()
	if p.conns[c.remote] == c {
		delete(p.conns, c.remote)
	}
	delete(p.all, c)
	p.mu.Unlock()
}

// Connect returns the connection to peerID, dialing it if there is none.
func (p *TCPProvider) Connect(ctx context.Context, peerID string) (Conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[peerID]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	if p.shutdown.Load() {
		return nil, fmt.Errorf("%w: provider closed", message.ErrConnection)
	}
	if p.opts.Registry == nil {
		return nil, fmt.Errorf("%w: no registry to resolve %s", message.ErrConnection, peerID)
	}

	instances, err := p.opts.Registry.Resolve(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", message.ErrConnection, peerID, err)
	}
	inst, err := p.opts.Balancer.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("%w: pick address of %s: %w", message.ErrConnection, peerID, err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", inst.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s at %s: %w", message.ErrConnection, peerID, inst.Addr, err)
	}

	c := newTCPConn(peerID, conn, codec.GetCodec(p.opts.Codec), p.log, p.forget)
	if err := c.writeFrame(protocol.MsgTypeHello, []byte(p.id)); err != nil {
		conn.Close()
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.conns[peerID]; ok {
		// Lost a race with a concurrent Connect or an inbound connection.
		p.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	if p.shutdown.Load() {
		p.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("%w: provider closed", message.ErrConnection)
	}
	p.conns[peerID] = c
	p.all[c] = struct{}{}
	p.wg.Add(3) // loops started by start
	p.mu.Unlock()

	p.log.Debug("dialed peer", zap.String("peer", peerID), zap.String("addr", inst.Addr), zap.String("balancer", p.opts.Balancer.Name()))
	p.start(c)
	return c, nil
}

// Close performs a graceful shutdown:
//  1. Deregister from the registry, so peers stop dialing this node
//  2. Set the shutdown flag, then close the listener
//  3. Close every connection and wait for their loops to exit
func (p *TCPProvider) Close() error {
	if !p.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if p.listener != nil && p.opts.Registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = multierr.Append(err, p.opts.Registry.Deregister(ctx, p.id, p.advertise))
		cancel()
	}
	if p.listener != nil {
		err = multierr.Append(err, p.listener.Close())
	}

	p.mu.Lock()
	conns := make([]*tcpConn, 0, len(p.all))
	for c := range p.all {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	for _, c := range conns {
		// Socket close errors after shutdown carry no information.
		c.Close()
	}

	p.wg.Wait()
	return err
}
