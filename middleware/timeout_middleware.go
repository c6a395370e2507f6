package middleware

import (
	"context"
	"fmt"
	"time"

	"peer-rpc/message"
)

// TimeOutMiddleware answers with a timeout error when the wrapped handler
// takes longer than timeout. The caller then fails with message.ErrTimeout
// before its own deadline instead of waiting it out. When the incoming ctx
// is cancelled first, the request is abandoned with a nil reply.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(parent context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				// Node shutting down: abandon, like the unwrapped handler.
				if parent.Err() != nil || ctx.Err() != context.DeadlineExceeded {
					return nil
				}
				return errorReply(req, fmt.Errorf("request not served within %s: %w", timeout, message.ErrTimeout))
			}
		}
	}
}
