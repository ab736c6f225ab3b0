package middleware

import (
	"bytes"
	"context"
	"net/http"
	"push-rpc/message"
	"push-rpc/protocol"
	"push-rpc/server"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler answers every exchange with its own body.
func echoHandler(ctx context.Context, req server.Request) server.Reply {
	return server.Reply{Status: http.StatusOK, Body: req.Body, SessionID: "s1"}
}

func envelopeRequest(t *testing.T) server.Request {
	t.Helper()
	body, err := protocol.Marshal(protocol.NewEnvelope(message.MustNew("ping", nil, nil)))
	require.NoError(t, err)
	return server.Request{Body: body, RemoteAddr: "127.0.0.1:1"}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	handler := LoggingMiddleware(zerolog.New(&buf))(echoHandler)

	resp := handler(context.Background(), envelopeRequest(t))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, buf.String(), `"message":"exchange"`)
	assert.Contains(t, buf.String(), `"session":"s1"`)
}

func TestTimeoutSetsDeadline(t *testing.T) {
	var deadline time.Time
	handler := TimeOutMiddleware(500 * time.Millisecond)(func(ctx context.Context, req server.Request) server.Reply {
		deadline, _ = ctx.Deadline()
		return echoHandler(ctx, req)
	})

	resp := handler(context.Background(), envelopeRequest(t))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.WithinDuration(t, time.Now().Add(500*time.Millisecond), deadline, 100*time.Millisecond)
}

func TestTimeoutKeepsSlowReply(t *testing.T) {
	// A slow handler still gets to return its reply.
	handler := TimeOutMiddleware(10 * time.Millisecond)(func(ctx context.Context, req server.Request) server.Reply {
		<-ctx.Done()
		return echoHandler(ctx, req)
	})

	req := envelopeRequest(t)
	resp := handler(context.Background(), req)
	assert.Equal(t, req.Body, resp.Body)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is refused.
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := envelopeRequest(t)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		assert.Equal(t, req.Body, resp.Body, "request %d should pass", i)
	}

	resp := handler(context.Background(), req)
	require.Equal(t, http.StatusOK, resp.Status)
	env, err := protocol.Unmarshal(resp.Body, protocol.DefaultLimits())
	require.NoError(t, err)
	require.Len(t, env.Messages, 1)
	assert.ErrorIs(t, message.AsError(env.Messages[0]), message.ErrCapacityExceeded)
}

func TestRecover(t *testing.T) {
	var buf bytes.Buffer
	handler := RecoverMiddleware(zerolog.New(&buf))(func(context.Context, server.Request) server.Reply {
		panic("boom")
	})

	resp := handler(context.Background(), envelopeRequest(t))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Contains(t, buf.String(), "boom")
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next server.HandlerFunc) server.HandlerFunc {
			return func(ctx context.Context, req server.Request) server.Reply {
				order = append(order, name+".before")
				r := next(ctx, req)
				order = append(order, name+".after")
				return r
			}
		}
	}

	handler := Chain(tag("a"), tag("b"), TimeOutMiddleware(time.Second))(echoHandler)
	resp := handler(context.Background(), envelopeRequest(t))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []string{"a.before", "b.before", "b.after", "a.after"}, order)
}

func TestChainWithHub(t *testing.T) {
	hub := server.NewHub()
	handler := Chain(RecoverMiddleware(zerolog.Nop()), LoggingMiddleware(zerolog.Nop()), TimeOutMiddleware(time.Second))(hub.AcceptRequest)

	resp := handler(context.Background(), envelopeRequest(t))
	require.Equal(t, http.StatusOK, resp.Status)
	assert.NotEmpty(t, resp.SessionID)
}
