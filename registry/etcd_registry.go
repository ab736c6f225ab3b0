// Package registry advertises hub endpoints so clients can find them.
//
// etcd holds one key per hub under the service prefix:
//
//	Key:   /push-rpc/{Service}/{escaped endpoint URL}
//	Value: JSON-encoded Instance
//
// Registration is bound to a TTL lease kept alive in the background: if the
// hub process dies the lease expires and the entry disappears.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	log    zerolog.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // by key
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, log zerolog.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return &EtcdRegistry{client: c, log: log, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Register advertises instance with a TTL lease.
//
// Flow:
//  1. Grant a lease of ttl seconds
//  2. Put the key with the lease attached
//  3. KeepAlive renews the lease until Deregister revokes it or Close
//
// The keep-alive runs on the client's own context, not ctx, so it outlives
// the call.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(service, instance.Endpoint)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}

	ch, err := r.client.KeepAlive(r.client.Ctx(), lease.ID)
	if err != nil {
		return fmt.Errorf("keeping lease alive: %w", err)
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Drain responses so the keep-alive channel never fills up.
	go func() {
		for range ch {
		}
		r.log.Debug().Str("key", key).Msg("lease keep-alive stopped")
	}()
	return nil
}

// Deregister removes the entry and revokes its lease. Called on graceful
// shutdown before the listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, endpoint string) error {
	key := instanceKey(service, endpoint)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return fmt.Errorf("revoking lease: %w", err)
		}
	}
	return nil
}

// Watch emits the full instance list whenever the service prefix changes,
// until ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		for resp := range r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix()) {
			if err := resp.Err(); err != nil {
				r.log.Warn().Err(err).Str("service", service).Msg("registry watch failed")
				continue
			}
			// Re-read the whole list rather than applying events one by one.
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.log.Warn().Err(err).Str("service", service).Msg("registry discover failed")
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns every hub currently advertised for service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping malformed registry entry")
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops lease renewal and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
