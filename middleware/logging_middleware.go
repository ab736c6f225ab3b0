package middleware

import (
	"context"
	"push-rpc/server"
	"time"

	"github.com/rs/zerolog"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next server.HandlerFunc) server.HandlerFunc {
		return func(ctx context.Context, req server.Request) server.Reply {
			start := time.Now()
			reply := next(ctx, req)

			event := logger.Debug()
			if reply.Status >= 500 {
				event = logger.Error()
			} else if reply.Status >= 400 {
				event = logger.Warn()
			}
			event.
				Str("remote", req.RemoteAddr).
				Str("session", reply.SessionID).
				Bool("resumed", req.SessionID != "" && req.SessionID == reply.SessionID).
				Int("status", reply.Status).
				Int("request_bytes", len(req.Body)).
				Int("response_bytes", len(reply.Body)).
				Dur("duration", time.Since(start)).
				Msg("exchange")
			return reply
		}
	}
}
