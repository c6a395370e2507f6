package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"peer-rpc/message"
)

// LoggingMiddleware logs each served request with its duration and outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			reply := next(ctx, req)

			fields := []zap.Field{
				zap.String("kind", string(req.Kind)),
				zap.String("origin", req.Origin),
				zap.String("token", req.Token),
				zap.Duration("duration", time.Since(start)),
			}
			if req.Func != "" {
				fields = append(fields, zap.String("func", req.Func))
			}
			if req.Attr != "" {
				fields = append(fields, zap.String("attr", req.Attr))
			}
			switch {
			case reply == nil:
				logger.Info("request abandoned", fields...)
			case reply.Error != nil:
				logger.Info("request failed", append(fields, zap.String("error", reply.Error.Message))...)
			default:
				logger.Info("request served", fields...)
			}
			return reply
		}
	}
}
