package middleware

import (
	"context"
	"net/http"
	"push-rpc/server"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// RecoverMiddleware turns a panic escaping the handler into a 500 reply.
func RecoverMiddleware(logger zerolog.Logger) Middleware {
	return func(next server.HandlerFunc) server.HandlerFunc {
		return func(ctx context.Context, req server.Request) (reply server.Reply) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().
						Interface("panic", r).
						Str("remote", req.RemoteAddr).
						Bytes("stack", debug.Stack()).
						Msg("exchange handler panicked")
					reply = server.Reply{Status: http.StatusInternalServerError}
				}
			}()
			return next(ctx, req)
		}
	}
}
