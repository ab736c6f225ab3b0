// pushcli is a small client for a pushd hub: it creates a demo Counter,
// sends a ping and then prints pushed messages as they arrive.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"push-rpc/client"
	"push-rpc/config"
	"push-rpc/message"
	"push-rpc/registry"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pushcli: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		endpoint   string
		add        int64
		listen     time.Duration
	)
	flagSet := pflag.NewFlagSet("pushcli", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML configuration")
	flagSet.StringVar(&endpoint, "endpoint", "", "hub URL (overrides client.endpoint and the registry)")
	flagSet.Int64Var(&add, "add", 1, "amount to add to the demo counter")
	flagSet.DurationVar(&listen, "listen", 0, "keep polling for pushed messages this long")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("app", "pushcli").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case endpoint != "":
		cfg.Client.Endpoint = endpoint
	case cfg.Registry.Enabled:
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, log)
		if err != nil {
			return err
		}
		resolved, err := registry.Resolve(ctx, reg, cfg.Registry.Service)
		reg.Close()
		if err != nil {
			return err
		}
		cfg.Client.Endpoint = resolved
	}

	s, err := client.NewServerSessionFromConfig(cfg.Client, log)
	if err != nil {
		return err
	}
	defer s.Close()

	s.MessageManager().AddObserver("pushcli", message.Wildcard, func(m message.Message) {
		log.Info().Str("kind", m.Kind()).Bytes("payload", m.Payload()).Msg("message")
	})

	counter, err := s.RemoteObjectManager().CreateRemoteInstance(ctx, "Counter")
	if err != nil {
		return err
	}
	var total int64
	if err := counter.Call(ctx, "Add", struct {
		N int64 `json:"n" cbor:"n"`
	}{add}, &total); err != nil {
		return err
	}
	log.Info().Int64("total", total).Str("object", counter.ObjectID()).Msg("counter updated")

	if _, err := s.MessageManager().SendSynchronousMessage(ctx, message.MustNew("ping", []byte("hello"), nil)); err != nil {
		return err
	}

	if listen <= 0 {
		return counter.Release(ctx)
	}
	lctx, cancel := context.WithTimeout(ctx, listen)
	defer cancel()
	wait := max(s.MessageManager().MaxCheckInterval(), 100*time.Millisecond)
	for lctx.Err() == nil {
		if _, err := s.MessageManager().Poll(lctx); err != nil && lctx.Err() == nil {
			log.Warn().Err(err).Msg("poll failed")
		}
		select {
		case <-lctx.Done():
		case <-time.After(wait):
		}
	}
	return counter.Release(ctx)
}
