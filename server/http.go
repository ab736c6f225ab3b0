package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"push-rpc/protocol"

	"github.com/rs/zerolog"
)

// Request is one inbound exchange as delivered by the transport.
type Request struct {
	Body       []byte
	SessionID  string
	RemoteAddr string
	Header     http.Header
}

// Reply is the transport's answer. Status is an HTTP status code; everything
// the hub has to say about the exchange itself travels in Body.
type Reply struct {
	Status    int
	Body      []byte
	SessionID string
}

// HandlerFunc is the exchange handler signature. Hub.AcceptRequest is one;
// middleware wraps it.
type HandlerFunc func(ctx context.Context, req Request) Reply

// HTTPHandler adapts an exchange handler to net/http. The request body is the
// encoded envelope; the session id travels in the X-Push-Session header both
// ways. maxBody caps the request body (0 means 64 MiB).
func HTTPHandler(handler HandlerFunc, maxBody int64, log zerolog.Logger) http.Handler {
	if maxBody <= 0 {
		maxBody = 64 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
				return
			}
			log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("reading request body")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		reply := handler(r.Context(), Request{
			Body:       body,
			SessionID:  r.Header.Get(protocol.SessionHeader),
			RemoteAddr: r.RemoteAddr,
			Header:     r.Header,
		})

		if reply.SessionID != "" {
			w.Header().Set(protocol.SessionHeader, reply.SessionID)
		}
		if reply.Status == 0 {
			reply.Status = http.StatusOK
		}
		if len(reply.Body) > 0 {
			w.Header().Set("Content-Type", protocol.ContentType)
		}
		w.WriteHeader(reply.Status)
		if _, err := w.Write(reply.Body); err != nil {
			log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("writing response")
		}
	})
}
