package registry

import (
	"context"
	"sync"
)

// MemoryRegistry keeps instances in process. TTLs are ignored. It serves
// single-process deployments and tests.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]Instance
	watchers  map[string][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]Instance),
		watchers:  make(map[string][]chan []Instance),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, service string, inst Instance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[service]
	for i, existing := range insts {
		if existing.Endpoint == inst.Endpoint {
			insts[i] = inst
			m.notify(service)
			return nil
		}
	}
	m.instances[service] = append(insts, inst)
	m.notify(service)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, service string, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[service]
	for i, inst := range insts {
		if inst.Endpoint == endpoint {
			m.instances[service] = append(insts[:i:i], insts[i+1:]...)
			m.notify(service)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Instance(nil), m.instances[service]...), nil
}

// Watch emits the instance list after every change until ctx ends. A
// watcher that falls behind only sees the latest list.
func (m *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i, w := range ws {
			if w == ch {
				m.watchers[service] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify is called with m.mu held.
func (m *MemoryRegistry) notify(service string) {
	snapshot := append([]Instance(nil), m.instances[service]...)
	for _, ch := range m.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
