// Package middleware wraps the dispatch of incoming DCOP messages.
//
// The innermost HandlerFunc locates the target object (or proxy) and invokes it; each
// Middleware adds behaviour around that, onion style:
//
//	Chain(A, B, C)(dispatch) → A(B(C(dispatch)))
package middleware

import (
	"context"
	"mini-dcop/message"
)

type HandlerFunc func(ctx context.Context, msg *message.Message) message.Result

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one given runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
