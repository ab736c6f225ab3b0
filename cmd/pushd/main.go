// pushd serves a push-rpc hub over HTTP.
//
// The exchange handler is mounted on the configured path, Prometheus metrics
// on the metrics path. With the registry enabled the hub advertises its
// endpoint in etcd for as long as it runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"push-rpc/config"
	"push-rpc/message"
	"push-rpc/middleware"
	"push-rpc/protocol"
	"push-rpc/registry"
	"push-rpc/server"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pushd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		logLevel   string
		tick       time.Duration
	)
	flagSet := pflag.NewFlagSet("pushd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML configuration")
	flagSet.StringVar(&listen, "listen", "", "listen address (overrides hub.listen)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides log.level)")
	flagSet.DurationVar(&tick, "tick", 0, "broadcast a tick message at this interval (0 disables)")
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
	if listen != "" {
		cfg.Hub.Listen = listen
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	hub, err := newHub(cfg.Hub, log)
	if err != nil {
		return err
	}
	if err := bindDemo(hub); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, hub, tick, log)
}

func newLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("app", "pushd").Logger(), nil
}

func newHub(cfg config.HubConfig, log zerolog.Logger) (*server.Hub, error) {
	overflow, err := message.ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	resume, err := server.ParseResumePolicy(cfg.ResumePolicy)
	if err != nil {
		return nil, err
	}
	return server.NewHub(
		server.WithLogger(log),
		server.WithSessionTimeout(cfg.SessionTimeout),
		server.WithEvictionInterval(cfg.EvictionInterval),
		server.WithMaxPendingMessages(cfg.MaxPendingMessages),
		server.WithOverflowPolicy(overflow),
		server.WithResumePolicy(resume),
		server.WithLimits(protocol.Limits{
			MaxMetadataBytes: cfg.MaxMetadataBytes,
			MaxContentsBytes: cfg.MaxContentsBytes,
			MaxMessages:      cfg.MaxEnvelopeMessages,
		}),
	), nil
}

// handler wraps the hub in the middleware chain and mounts it.
func handler(cfg config.HubConfig, hub *server.Hub, log zerolog.Logger) http.Handler {
	chain := []middleware.Middleware{
		middleware.RecoverMiddleware(log),
		middleware.LoggingMiddleware(log),
	}
	if cfg.RateLimit > 0 {
		chain = append(chain, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	chain = append(chain, middleware.TimeOutMiddleware(cfg.RequestTimeout))
	exchange := middleware.Chain(chain...)(hub.AcceptRequest)

	maxBody := int64(protocol.HeaderSize) + int64(cfg.MaxMetadataBytes) + int64(cfg.MaxContentsBytes)
	router := httprouter.New()
	router.Handler(http.MethodPost, cfg.Path, server.HTTPHandler(exchange, maxBody, log))
	if cfg.MetricsPath != "" {
		server.RegisterMetrics()
		router.Handler(http.MethodGet, cfg.MetricsPath, promhttp.Handler())
	}
	return router
}

func serve(ctx context.Context, cfg *config.Config, hub *server.Hub, tick time.Duration, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Hub.Listen,
		Handler:           handler(cfg.Hub, hub, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := hub.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		log.Info().Str("listen", srv.Addr).Str("path", cfg.Hub.Path).Str("version", version).Msg("hub listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Registry.Enabled {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, log)
		if err != nil {
			return err
		}
		defer reg.Close()
		g.Go(func() error { return advertise(gctx, reg, cfg.Registry, log) })
	}

	if tick > 0 {
		g.Go(func() error { return broadcastTicks(gctx, hub, tick, log) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Hub.ShutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down")
		err := hub.Shutdown(shutdownCtx)
		return errors.Join(err, srv.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

// advertise keeps the hub registered until ctx ends.
func advertise(ctx context.Context, reg registry.Registry, cfg config.RegistryConfig, log zerolog.Logger) error {
	inst := registry.Instance{
		Endpoint: cfg.AdvertiseAddr,
		Version:  version,
		Codecs:   []string{"json", "binary", "cbor"},
	}
	if err := reg.Register(ctx, cfg.Service, inst, cfg.TTL); err != nil {
		return fmt.Errorf("registering hub: %w", err)
	}
	log.Info().Str("service", cfg.Service).Str("endpoint", inst.Endpoint).Msg("hub advertised")

	<-ctx.Done()
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.Deregister(dctx, cfg.Service, inst.Endpoint); err != nil {
		log.Warn().Err(err).Msg("deregistering hub")
	}
	return nil
}
