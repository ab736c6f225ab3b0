// Package config loads the YAML configuration shared by the hub command and
// client programs.
//
// A single file is read; every field missing from it keeps its default.
// Durations are written as Go duration strings ("30s", "15m").
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Overflow policy names for bounded message queues.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowReject     = "reject"
)

// Resume policy names for requests presenting an unknown session id.
const (
	ResumeReauthenticate = "reauthenticate"
	ResumeReject         = "reject"
)

type Config struct {
	Hub      HubConfig      `yaml:"hub"`
	Client   ClientConfig   `yaml:"client"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
}

// HubConfig configures the server side.
type HubConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Path is the route the exchange handler is mounted on.
	Path string `yaml:"path"`

	// MetricsPath exposes Prometheus metrics. Empty disables it.
	MetricsPath string `yaml:"metrics_path"`

	// SessionTimeout is how long a session may stay idle before eviction.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// EvictionInterval is how often idle sessions are swept.
	EvictionInterval time.Duration `yaml:"eviction_interval"`

	// MaxPendingMessages bounds each session's outbound queue.
	MaxPendingMessages int `yaml:"max_pending_messages"`

	// OverflowPolicy is drop_oldest or reject.
	OverflowPolicy string `yaml:"overflow_policy"`

	// ResumePolicy is reauthenticate or reject.
	ResumePolicy string `yaml:"resume_policy"`

	// RequestTimeout bounds a single exchange.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RateLimit is the sustained exchanges per second across all clients.
	// Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	MaxMetadataBytes    uint32 `yaml:"max_metadata_bytes"`
	MaxContentsBytes    uint32 `yaml:"max_contents_bytes"`
	MaxEnvelopeMessages int    `yaml:"max_envelope_messages"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ClientConfig configures ServerConnection and the client managers.
type ClientConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	Codec            string        `yaml:"codec"`
	Compression      string        `yaml:"compression"`
	MaxMessages      int           `yaml:"max_messages"`
	OverflowPolicy   string        `yaml:"overflow_policy"`
	KeepMessages     bool          `yaml:"keep_messages"`
	MaxCheckInterval time.Duration `yaml:"max_check_interval"`
	Retries          int           `yaml:"retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
}

// RegistryConfig configures endpoint advertisement in etcd.
type RegistryConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Endpoints []string `yaml:"endpoints"`
	Service   string   `yaml:"service"`

	// AdvertiseAddr is the URL clients should use. It differs from
	// Hub.Listen because ":8080" is not routable.
	AdvertiseAddr string `yaml:"advertise_addr"`

	// TTL is the lease TTL in seconds.
	TTL int64 `yaml:"ttl"`
}

type LogConfig struct {
	// Level is a zerolog level name: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is console or json.
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			Listen:              ":8080",
			Path:                "/push",
			MetricsPath:         "/metrics",
			SessionTimeout:      30 * time.Minute,
			EvictionInterval:    time.Minute,
			MaxPendingMessages:  1000,
			OverflowPolicy:      OverflowDropOldest,
			ResumePolicy:        ResumeReauthenticate,
			RequestTimeout:      30 * time.Second,
			MaxMetadataBytes:    4 << 20,
			MaxContentsBytes:    32 << 20,
			MaxEnvelopeMessages: 10000,
			ShutdownTimeout:     10 * time.Second,
		},
		Client: ClientConfig{
			Endpoint:         "http://127.0.0.1:8080/push",
			Timeout:          30 * time.Second,
			MaxConcurrent:    2,
			Codec:            "binary",
			Compression:      "none",
			MaxMessages:      1000,
			OverflowPolicy:   OverflowDropOldest,
			KeepMessages:     true,
			MaxCheckInterval: time.Second,
			Retries:          2,
			RetryBaseDelay:   100 * time.Millisecond,
		},
		Registry: RegistryConfig{
			Endpoints: []string{"localhost:2379"},
			Service:   "push-rpc",
			TTL:       10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	h := c.Hub
	if h.Listen == "" {
		errs = append(errs, errors.New("hub.listen is required"))
	}
	if h.Path == "" || h.Path[0] != '/' {
		errs = append(errs, fmt.Errorf("hub.path must start with '/': %q", h.Path))
	}
	if h.SessionTimeout <= 0 {
		errs = append(errs, errors.New("hub.session_timeout must be positive"))
	}
	if h.EvictionInterval <= 0 {
		errs = append(errs, errors.New("hub.eviction_interval must be positive"))
	}
	if h.MaxPendingMessages <= 0 {
		errs = append(errs, errors.New("hub.max_pending_messages must be positive"))
	}
	if err := checkOverflow("hub.overflow_policy", h.OverflowPolicy); err != nil {
		errs = append(errs, err)
	}
	if h.ResumePolicy != ResumeReauthenticate && h.ResumePolicy != ResumeReject {
		errs = append(errs, fmt.Errorf("hub.resume_policy must be %q or %q, got %q", ResumeReauthenticate, ResumeReject, h.ResumePolicy))
	}
	if h.RequestTimeout <= 0 {
		errs = append(errs, errors.New("hub.request_timeout must be positive"))
	}
	if h.RateLimit < 0 || (h.RateLimit > 0 && h.RateBurst <= 0) {
		errs = append(errs, errors.New("hub.rate_burst must be positive when hub.rate_limit is set"))
	}
	if h.MaxMetadataBytes == 0 || h.MaxContentsBytes == 0 || h.MaxEnvelopeMessages <= 0 {
		errs = append(errs, errors.New("hub envelope limits must be positive"))
	}

	cl := c.Client
	if cl.Timeout <= 0 {
		errs = append(errs, errors.New("client.timeout must be positive"))
	}
	if cl.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("client.max_concurrent must be positive"))
	}
	if cl.MaxMessages <= 0 {
		errs = append(errs, errors.New("client.max_messages must be positive"))
	}
	if err := checkOverflow("client.overflow_policy", cl.OverflowPolicy); err != nil {
		errs = append(errs, err)
	}
	if cl.Retries < 0 {
		errs = append(errs, errors.New("client.retries must not be negative"))
	}
	switch cl.Codec {
	case "json", "binary", "cbor":
	default:
		errs = append(errs, fmt.Errorf("client.codec: unknown codec %q", cl.Codec))
	}
	switch cl.Compression {
	case "", "none", "zstd", "lz4":
	default:
		errs = append(errs, fmt.Errorf("client.compression: unknown compression %q", cl.Compression))
	}

	if c.Registry.Enabled {
		if len(c.Registry.Endpoints) == 0 {
			errs = append(errs, errors.New("registry.endpoints is required when the registry is enabled"))
		}
		if c.Registry.AdvertiseAddr == "" {
			errs = append(errs, errors.New("registry.advertise_addr is required when the registry is enabled"))
		}
		if c.Registry.TTL <= 0 {
			errs = append(errs, errors.New("registry.ttl must be positive"))
		}
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func checkOverflow(field, v string) error {
	if v != OverflowDropOldest && v != OverflowReject {
		return fmt.Errorf("%s must be %q or %q, got %q", field, OverflowDropOldest, OverflowReject, v)
	}
	return nil
}
