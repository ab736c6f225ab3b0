package middleware

import (
	"context"
	"push-rpc/server"
	"time"
)

// TimeOutMiddleware bounds an exchange with a context deadline. Observers and
// method handlers see the deadline through ctx. The handler is not abandoned
// on expiry: its reply carries messages already drained from the session's
// pending queue, and dropping it would lose them.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next server.HandlerFunc) server.HandlerFunc {
		return func(ctx context.Context, req server.Request) server.Reply {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, req)
		}
	}
}
