package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"peer-rpc/message"
)

var errRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// Rejected requests are answered at once with a rate_limited error.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			if !limiter.Allow() {
				reply := message.NewReply(req, "")
				reply.Error = &message.ErrorDescriptor{
					Code:    message.CodeRateLimited,
					Message: errRateLimited.Error(),
				}
				return reply
			}
			return next(ctx, req)
		}
	}
}
