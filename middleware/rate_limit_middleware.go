package middleware

import (
	"context"
	"push-rpc/message"
	"push-rpc/server"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware limits exchanges with a token bucket. Refused exchanges
// get a single CapacityExceeded error message.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next server.HandlerFunc) server.HandlerFunc {
		return func(ctx context.Context, req server.Request) server.Reply {
			if !limiter.Allow() {
				return server.ErrorReply(req, message.ClassCapacityExceeded, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
