package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"peer-rpc/message"
	"peer-rpc/scope"
	"peer-rpc/transport"
)

// dispatch routes one envelope received on conn. Requests are served on
// their own goroutine; replies settle the pending call they answer.
func (n *Node) dispatch(conn transport.Conn, env *message.Envelope) {
	if err := env.Validate(); err != nil {
		n.log.Debug("discarding malformed envelope", zap.String("peer", conn.RemoteID()), zap.Error(err))
		return
	}
	n.trace("recv", env, conn.RemoteID())

	if env.Kind.IsRequest() {
		if !n.track() {
			return
		}
		go n.serve(conn, env)
		return
	}

	if !n.pending.Settle(env.Token, n.result(env)) {
		n.log.Debug("discarding reply with no pending call",
			zap.String("peer", conn.RemoteID()),
			zap.String("kind", string(env.Kind)),
			zap.String("token", env.Token))
	}
}

// serve answers req and sends the reply back to its origin.
func (n *Node) serve(conn transport.Conn, req *message.Envelope) {
	defer n.wg.Done()

	reply := n.handler(n.ctx, req)
	if reply == nil {
		return
	}
	n.stamp(reply)
	n.trace("send", reply, req.Origin)

	if err := n.reply(conn, req.Origin, reply); err != nil {
		n.log.Warn("reply not delivered",
			zap.String("peer", req.Origin),
			zap.String("kind", string(reply.Kind)),
			zap.String("token", reply.Token),
			zap.Error(err))
	}
}

// reply sends over the connection the request arrived on, falling back to a
// fresh connection to origin.
func (n *Node) reply(conn transport.Conn, origin string, reply *message.Envelope) error {
	if conn != nil {
		err := conn.Send(reply)
		if err == nil {
			return nil
		}
		n.log.Debug("request connection unusable, reconnecting", zap.String("peer", origin), zap.Error(err))
	}
	if origin == "" {
		return fmt.Errorf("%w: request has no origin", message.ErrConnection)
	}
	c, err := n.connect(n.ctx, origin)
	if err != nil {
		return err
	}
	return c.Send(reply)
}

// stamp fills in the origin of replies built by middlewares.
func (n *Node) stamp(reply *message.Envelope) {
	if reply.Origin == "" {
		reply.Origin = n.id
	}
}

type requestHandler func(n *Node, ctx context.Context, req *message.Envelope) *message.Envelope

// requestHandlers is fixed at build time; nothing registers handlers at run
// time.
var requestHandlers = map[message.Kind]requestHandler{
	message.KindPing:   (*Node).handlePing,
	message.KindAttr:   (*Node).handleAttr,
	message.KindInvoke: (*Node).handleInvoke,
}

// handle is the innermost HandlerFunc, below the middleware chain.
func (n *Node) handle(ctx context.Context, req *message.Envelope) *message.Envelope {
	h, ok := requestHandlers[req.Kind]
	if !ok {
		// dispatch only forwards requests, and every request kind has a handler.
		return nil
	}
	return h(n, ctx, req)
}

func (n *Node) handlePing(_ context.Context, req *message.Envelope) *message.Envelope {
	return message.NewReply(req, n.id)
}

func (n *Node) handleAttr(_ context.Context, req *message.Envelope) *message.Envelope {
	reply := message.NewReply(req, n.id)
	reply.Data, _ = n.scope.Attr(req.Attr)
	return reply
}

type outcome struct {
	result any
	err    error
}

// handleInvoke calls the scope function and waits for its completion
// callback. It returns nil, and sends nothing, if the node closes first.
func (n *Node) handleInvoke(ctx context.Context, req *message.Envelope) *message.Envelope {
	reply := message.NewReply(req, n.id)

	fn, ok := n.scope.Func(req.Func)
	if !ok {
		reply.Error = message.Describe(fmt.Errorf("%w: %q", message.ErrUnknownFunction, req.Func))
		return reply
	}

	completed := make(chan outcome, 1)
	done := scope.Once(
		func(err error, result any) { completed <- outcome{result: result, err: err} },
		func(err error, result any) {
			n.log.Warn("completion callback called more than once, ignoring",
				zap.String("func", req.Func),
				zap.String("peer", req.Origin),
				zap.String("token", req.Token))
		},
	)
	scope.Call(req.Func, fn, append([]any(nil), req.Args...), done)

	select {
	case o := <-completed:
		if o.err != nil {
			reply.Error = message.Reported(o.err)
		} else {
			reply.Data = o.result
		}
		return reply
	case <-ctx.Done():
		return nil
	}
}
