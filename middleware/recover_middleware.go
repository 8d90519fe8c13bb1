package middleware

import (
	"context"
	"go.uber.org/zap"
	"mini-dcop/message"
)

// RecoverMiddleware turns a panicking handler into an unhandled result.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) (res message.Result) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panicked",
						zap.String("obj", msg.ObjectID), zap.String("fun", msg.Function), zap.Any("panic", p))
					res = message.Result{}
				}
			}()
			return next(ctx, msg)
		}
	}
}
