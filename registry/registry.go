package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
)

var ErrNoInstances = errors.New("registry: no hub advertised")

// Instance is one advertised hub.
type Instance struct {
	// Endpoint is the URL clients post envelopes to.
	Endpoint string `json:"endpoint"`
	Version  string `json:"version,omitempty"`
	// Codecs lists the frame codecs the hub accepts.
	Codecs []string `json:"codecs,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, service string, endpoint string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	Watch(ctx context.Context, service string) <-chan []Instance
}

func servicePrefix(service string) string {
	return "/push-rpc/" + service + "/"
}

// instanceKey escapes the endpoint: URLs contain slashes.
func instanceKey(service, endpoint string) string {
	return servicePrefix(service) + url.PathEscape(endpoint)
}

// Resolve returns the endpoint of an advertised hub for service. Instances
// are ordered by endpoint so every client picks the same hub while the set
// is stable; sessions live in one hub process.
func Resolve(ctx context.Context, r Registry, service string) (string, error) {
	instances, err := r.Discover(ctx, service)
	if err != nil {
		return "", fmt.Errorf("discovering %s: %w", service, err)
	}
	if len(instances) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoInstances, service)
	}
	slices.SortFunc(instances, func(a, b Instance) int {
		switch {
		case a.Endpoint < b.Endpoint:
			return -1
		case a.Endpoint > b.Endpoint:
			return 1
		}
		return 0
	})
	return instances[0].Endpoint, nil
}
