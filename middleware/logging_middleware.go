package middleware

import (
	"context"
	"go.uber.org/zap"
	"mini-dcop/message"
	"time"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) message.Result {
			start := time.Now()
			res := next(ctx, msg)
			fields := []zap.Field{
				zap.Stringer("kind", msg.Kind),
				zap.String("from", msg.SenderID),
				zap.String("obj", msg.ObjectID),
				zap.String("fun", msg.Function),
				zap.Bool("handled", res.Handled),
				zap.Duration("duration", time.Since(start)),
			}
			if res.Handled {
				logger.Debug("dispatched", fields...)
			} else {
				logger.Info("dispatch not handled", fields...)
			}
			return res
		}
	}
}
