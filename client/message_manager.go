package client

import (
	"context"
	"push-rpc/callback"
	"push-rpc/message"
	"push-rpc/protocol"
	"push-rpc/transport"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Observer is called for each inbound message of the kind it was registered
// for. It runs on the goroutine that finished the exchange.
type Observer func(msg message.Message)

type observerEntry struct {
	owner any
	kind  string
	fn    Observer
}

// MessageManager buffers inbound messages, dispatches them to observers and
// sends application messages to the hub.
type MessageManager struct {
	session *ServerSession

	mu           sync.Mutex
	buffer       *message.Buffer
	keepMessages bool
	observers    []observerEntry

	pollMu           sync.Mutex
	limiter          *rate.Limiter
	maxCheckInterval time.Duration
}

func newMessageManager(s *ServerSession, o options) *MessageManager {
	m := &MessageManager{
		session:      s,
		buffer:       message.NewBuffer(o.maxMessages, o.overflow),
		keepMessages: o.keepMessages,
	}
	m.SetMaxCheckInterval(o.maxCheckInterval)
	return m
}

// AddObserver registers fn for kind, or for every kind with message.Wildcard.
func (m *MessageManager) AddObserver(owner any, kind string, fn Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, observerEntry{owner: owner, kind: kind, fn: fn})
	m.mu.Unlock()
}

// RemoveObserver removes every registration of owner for kind and reports
// whether there was one.
func (m *MessageManager) RemoveObserver(owner any, kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.observers[:0:0]
	for _, e := range m.observers {
		if e.owner != owner || e.kind != kind {
			kept = append(kept, e)
		}
	}
	removed := len(kept) != len(m.observers)
	m.observers = kept
	return removed
}

// deliver dispatches msg to a snapshot of the matching observers and buffers
// it when KeepMessages is on.
func (m *MessageManager) deliver(msg message.Message) {
	m.mu.Lock()
	var matched []Observer
	for _, e := range m.observers {
		if e.kind == msg.Kind() || e.kind == message.Wildcard {
			matched = append(matched, e.fn)
		}
	}
	if m.keepMessages {
		if _, err := m.buffer.Push(msg); err != nil {
			m.session.log.Warn().Err(err).Str("kind", msg.Kind()).Msg("inbound message rejected")
		}
	}
	m.mu.Unlock()

	for _, fn := range matched {
		m.notify(fn, msg)
	}
}

func (m *MessageManager) notify(fn Observer, msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.session.log.Error().Interface("panic", r).Str("kind", msg.Kind()).Msg("observer panicked")
		}
	}()
	fn(msg)
}

// Messages returns the buffered messages, oldest first.
func (m *MessageManager) Messages() []message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.Snapshot()
}

// PopMessage removes and returns the oldest buffered message.
func (m *MessageManager) PopMessage() (message.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.Pop()
}

func (m *MessageManager) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.Len()
}

// ClearMessages empties the buffer and returns how many messages it held.
func (m *MessageManager) ClearMessages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.buffer.Len()
	m.buffer.Clear()
	return n
}

// Dropped counts messages discarded by the drop-oldest policy.
func (m *MessageManager) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.Dropped()
}

func (m *MessageManager) KeepMessages() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepMessages
}

// SetKeepMessages turns buffering on or off. Observers are notified either
// way.
func (m *MessageManager) SetKeepMessages(keep bool) {
	m.mu.Lock()
	m.keepMessages = keep
	m.mu.Unlock()
}

func (m *MessageManager) MaxMessages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.Cap()
}

// SetMaxMessages changes the buffer bound, trimming the oldest messages if
// the buffer is already over it.
func (m *MessageManager) SetMaxMessages(n int) {
	m.mu.Lock()
	m.buffer.SetLimit(n)
	m.mu.Unlock()
}

func (m *MessageManager) MaxCheckInterval() time.Duration {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	return m.maxCheckInterval
}

// SetMaxCheckInterval sets the minimum spacing of polls. Zero disables the
// gate.
func (m *MessageManager) SetMaxCheckInterval(d time.Duration) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	m.maxCheckInterval = d
	if d <= 0 {
		m.limiter = rate.NewLimiter(rate.Inf, 1)
		return
	}
	m.limiter = rate.NewLimiter(rate.Every(d), 1)
}

// Poll fetches pending messages with an empty exchange. It reports false
// without contacting the hub when the last check was less than
// MaxCheckInterval ago.
func (m *MessageManager) Poll(ctx context.Context) (bool, error) {
	m.pollMu.Lock()
	allowed := m.limiter.Allow()
	m.pollMu.Unlock()
	if !allowed {
		return false, nil
	}
	_, err := m.exchange(ctx, protocol.NewEnvelope())
	return true, err
}

// SendMessage sends msg asynchronously. cb, if not nil, fires exactly once
// with the response.
func (m *MessageManager) SendMessage(msg message.Message, cb func(Reply)) *transport.RequestOperation {
	return m.session.send(protocol.NewEnvelope(msg), cb)
}

// SendSynchronousMessage sends msg and blocks until the exchange finishes or
// ctx ends. Response messages are routed as usual and also returned.
func (m *MessageManager) SendSynchronousMessage(ctx context.Context, msg message.Message) ([]message.Message, error) {
	return m.exchange(ctx, protocol.NewEnvelope(msg))
}

func (m *MessageManager) exchange(ctx context.Context, env *protocol.Envelope) ([]message.Message, error) {
	done := callback.New[Reply](nil)
	op := m.session.send(env, func(r Reply) { done.Fire(r) })
	r, err := done.Wait(ctx)
	if err != nil {
		op.Cancel()
		return nil, err
	}
	return r.Messages, r.Err
}
