package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"peer-rpc/message"
	"peer-rpc/pending"
	"peer-rpc/transport"
)

// Invoke calls function fn of target's scope with positional args and
// returns its result.
//
// An empty fn or target fails with message.ErrInvalidArgument before any
// network activity. ctx bounds connection setup only; once the request is
// sent the call ends with the reply or Config.Timeout, whichever comes first.
func (n *Node) Invoke(ctx context.Context, target, fn string, args []any) (any, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: empty target", message.ErrInvalidArgument)
	}
	if fn == "" {
		return nil, fmt.Errorf("%w: empty function name", message.ErrInvalidArgument)
	}
	req := &message.Envelope{
		Kind: message.KindInvoke,
		Func: fn,
		Args: append([]any(nil), args...),
	}
	return n.call(ctx, target, req)
}

// Attr reads attribute name of target's scope. A missing attribute reads as
// nil.
func (n *Node) Attr(ctx context.Context, target, name string) (any, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: empty target", message.ErrInvalidArgument)
	}
	req := &message.Envelope{
		Kind: message.KindAttr,
		Attr: name,
	}
	return n.call(ctx, target, req)
}

// Ping reports whether target answers within Config.Timeout. A peer that
// stays silent is not an error: Ping returns false, nil. Other failures,
// such as a refused connection, are returned with false.
func (n *Node) Ping(ctx context.Context, target string) (bool, error) {
	if target == "" {
		return false, fmt.Errorf("%w: empty target", message.ErrInvalidArgument)
	}
	data, err := n.call(ctx, target, &message.Envelope{Kind: message.KindPing})
	if errors.Is(err, message.ErrTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	alive, _ := data.(bool)
	return alive, nil
}

// Call is an invocation started by Go.
type Call struct {
	Target string
	Func   string
	Args   []any
	Reply  any        // Result, once Done has fired
	Error  error      // Failure, once Done has fired
	Done   chan *Call // Receives the call itself when it completes
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		// Done is full; the caller sized it, nothing else to do.
	}
}

// Go invokes fn on target asynchronously. The returned Call is sent on done
// when it completes. If done is nil a new channel is allocated; otherwise it
// must be buffered.
func (n *Node) Go(ctx context.Context, target, fn string, args []any, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("node: done channel is unbuffered")
	}
	call := &Call{
		Target: target,
		Func:   fn,
		Args:   args,
		Done:   done,
	}
	go func() {
		call.Reply, call.Error = n.Invoke(ctx, target, fn, args)
		call.done()
	}()
	return call
}

// call sends req to target and waits for the reply or the timeout.
func (n *Node) call(ctx context.Context, target string, req *message.Envelope) (any, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	req.Origin = n.id

	if target == n.id {
		req.Token = n.tokens.Next(n.id, target, string(req.Kind))
		return n.callSelf(req)
	}

	conn, err := n.connect(ctx, target)
	if err != nil {
		return nil, err
	}

	req.Token = n.tokens.Next(n.id, target, string(req.Kind))
	wait, err := n.pending.Register(req.Token, n.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	n.trace("send", req, target)
	if err := conn.Send(req); err != nil {
		n.pending.Remove(req.Token)
		if errors.Is(err, message.ErrInvalidArgument) {
			return nil, fmt.Errorf("send %s to %s: %w", req.Kind, target, err)
		}
		if !errors.Is(err, message.ErrConnection) {
			err = fmt.Errorf("%w: %w", message.ErrConnection, err)
		}
		return nil, fmt.Errorf("send %s to %s: %w", req.Kind, target, err)
	}

	res := <-wait
	if errors.Is(res.Err, message.ErrTimeout) {
		n.log.Debug("call timed out",
			zap.String("peer", target),
			zap.String("kind", string(req.Kind)),
			zap.String("token", req.Token),
			zap.Duration("timeout", n.cfg.Timeout))
	}
	return res.Data, res.Err
}

// callSelf serves req in-process, skipping the provider and the pending
// table, but under the same timeout as a remote call.
func (n *Node) callSelf(req *message.Envelope) (any, error) {
	n.trace("send", req, n.id)

	replies := make(chan *message.Envelope, 1)
	if !n.track() {
		return nil, ErrClosed
	}
	go func() {
		defer n.wg.Done()
		replies <- n.handler(n.ctx, req)
	}()

	timer := n.clock.Timer(n.cfg.Timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		if reply == nil {
			return nil, ErrClosed
		}
		n.stamp(reply)
		n.trace("recv", reply, n.id)
		res := n.result(reply)
		return res.Data, res.Err
	case <-timer.C:
		return nil, message.ErrTimeout
	}
}

// connect acquires a connection to target within Config.Timeout and routes
// its inbound envelopes to this node.
func (n *Node) connect(ctx context.Context, target string) (transport.Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	conn, err := n.provider.Connect(cctx, target)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("connect to %s: %w", target, message.ErrTimeout)
		}
		if !errors.Is(err, message.ErrConnection) {
			err = fmt.Errorf("%w: %w", message.ErrConnection, err)
		}
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	n.attach(conn)
	return conn, nil
}

// result converts a reply envelope into the outcome of the call it answers.
func (n *Node) result(reply *message.Envelope) pending.Result {
	if reply.Error != nil {
		return pending.Result{Err: reply.Error.Err(reply.Origin)}
	}
	if reply.Kind == message.KindPong {
		return pending.Result{Data: true}
	}
	return pending.Result{Data: reply.Data}
}

func (n *Node) trace(dir string, env *message.Envelope, peer string) {
	if !n.cfg.Debug {
		return
	}
	fields := []zap.Field{
		zap.String("dir", dir),
		zap.String("peer", peer),
		zap.String("kind", string(env.Kind)),
		zap.String("token", env.Token),
	}
	switch env.Kind {
	case message.KindInvoke:
		fields = append(fields, zap.String("func", env.Func), zap.Int("args", len(env.Args)))
	case message.KindAttr:
		fields = append(fields, zap.String("attr", env.Attr))
	}
	if env.Error != nil {
		fields = append(fields, zap.String("error", env.Error.Message))
	}
	n.log.Debug("envelope", fields...)
}
