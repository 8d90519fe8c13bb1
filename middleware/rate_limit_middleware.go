package middleware

import (
	"context"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"mini-dcop/message"
)

// RateLimitMiddleware limits incoming dispatches with a token bucket. Rejected messages
// are reported as not handled, so a rejected Call is answered with ReplyFailed.
func RateLimitMiddleware(r float64, burst int, logger *zap.Logger) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) message.Result {
			if !limiter.Allow() {
				logger.Warn("rate limit exceeded",
					zap.String("from", msg.SenderID), zap.String("fun", msg.Function))
				return message.Result{}
			}
			return next(ctx, msg)
		}
	}
}
