// Package middleware wraps the handler that answers inbound requests.
//
// A HandlerFunc takes a request envelope and returns the reply to send back,
// or nil when there is nothing to send. Middlewares see every request a node
// serves, including calls a node makes to itself.
package middleware

import (
	"context"

	"peer-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Envelope) *message.Envelope

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// errorReply answers req with err.
func errorReply(req *message.Envelope, err error) *message.Envelope {
	reply := message.NewReply(req, "")
	reply.Error = message.Describe(err)
	return reply
}
