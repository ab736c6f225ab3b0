// Package middleware wraps the hub's exchange handler. Middlewares compose
// like an onion: Chain(A, B, C)(h) runs A.before → B.before → C.before → h →
// C.after → B.after → A.after.
package middleware

import "push-rpc/server"

type Middleware func(next server.HandlerFunc) server.HandlerFunc

// Chain combines several middlewares into one. The first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next server.HandlerFunc) server.HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
