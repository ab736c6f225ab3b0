package main

import (
	"context"
	"push-rpc/message"
	"push-rpc/server"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Counter is the demo class: every construction yields a private counter.
type Counter struct {
	mu sync.Mutex
	n  int64
}

type AddArgs struct {
	N int64 `json:"n" cbor:"n"`
}

func bindDemo(hub *server.Hub) error {
	b, err := server.NewClassBinding("Counter",
		func(ctx context.Context, s *server.Session) (*Counter, error) { return &Counter{}, nil },
		server.AllowAll,
		server.Method("Add", func(ctx context.Context, c *Counter, a AddArgs) (int64, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.n += a.N
			return c.n, nil
		}),
		server.Method("Value", func(ctx context.Context, c *Counter, _ struct{}) (int64, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.n, nil
		}),
	)
	if err != nil {
		return err
	}
	hub.Bind(b)

	hub.AddGlobalObserver("demo", "ping", func(ctx context.Context, m message.Message, s *server.Session) ([]message.Message, error) {
		return []message.Message{message.MustNew("pong", m.Payload(), nil)}, nil
	})
	return nil
}

func broadcastTicks(ctx context.Context, hub *server.Hub, every time.Duration, log zerolog.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	var seq int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			seq++
			if err := hub.Broadcast(message.MustNew("tick", []byte(strconv.Itoa(seq)), nil)); err != nil {
				log.Warn().Err(err).Msg("broadcasting tick")
			}
		}
	}
}
