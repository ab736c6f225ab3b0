package server

import (
	"context"
	"errors"
	"maps"
	"push-rpc/callback"
	"push-rpc/message"
	"sync"
	"time"
)

// ErrSessionEvicted is delivered to reply callbacks still pending when their
// session is evicted, and returned by sends to an evicted session.
var ErrSessionEvicted = errors.New("server: session evicted")

// Outcome is passed to a SendWithCallback reply callback: either the reply
// message (Err is set too when the reply is an error message) or the reason
// no reply will come.
type Outcome struct {
	Message message.Message
	Err     error
}

type remoteObject struct {
	typeID   string
	instance any
}

// Session is the server-side identity of one client.
//
// Every field behind mu is owned by the Hub; application code reaches it only
// through the accessor methods.
type Session struct {
	id         string
	remoteAddr string
	createdAt  time.Time

	mu              sync.Mutex
	lastActivatedAt time.Time
	state           map[string]any
	observers       map[string][]observerEntry
	pending         *message.Buffer
	objects         map[string]remoteObject
	replies         map[string]*callback.Callback[Outcome]
	evicted         bool
}

func newSession(id, remoteAddr string, now time.Time, maxPending int, policy message.OverflowPolicy) *Session {
	return &Session{
		id:              id,
		remoteAddr:      remoteAddr,
		createdAt:       now,
		lastActivatedAt: now,
		state:           make(map[string]any),
		observers:       make(map[string][]observerEntry),
		pending:         message.NewBuffer(maxPending, policy),
		objects:         make(map[string]remoteObject),
		replies:         make(map[string]*callback.Callback[Outcome]),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) RemoteAddr() string   { return s.remoteAddr }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) LastActivatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivatedAt
}

// Get reads a value from the session's state store.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	return v, ok
}

func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	s.state[key] = value
	s.mu.Unlock()
}

func (s *Session) Delete(key string) {
	s.mu.Lock()
	delete(s.state, key)
	s.mu.Unlock()
}

// State returns a shallow copy of the state store.
func (s *Session) State() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.state)
}

// PendingCount is the number of messages waiting for the next exchange.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Dropped is the number of pending messages evicted by the overflow policy.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Dropped()
}

// ObjectCount is the number of remote objects the session holds.
func (s *Session) ObjectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func (s *Session) Evicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// activate records activity at now. It fails when the session is evicted or
// has been idle longer than timeout; the caller must then treat the id as
// unknown. lastActivatedAt never moves backwards.
func (s *Session) activate(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted || (timeout > 0 && now.Sub(s.lastActivatedAt) > timeout) {
		return false
	}
	if now.After(s.lastActivatedAt) {
		s.lastActivatedAt = now
	}
	return true
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivatedAt)
}

// enqueue appends m to the pending queue.
func (s *Session) enqueue(m message.Message) (evicted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false, ErrSessionEvicted
	}
	return s.pending.Push(m)
}

func (s *Session) drain() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Drain()
}

func (s *Session) addReply(corr string, cb *callback.Callback[Outcome]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return ErrSessionEvicted
	}
	s.replies[corr] = cb
	return nil
}

// takeReply removes and returns the reply callback registered for corr.
func (s *Session) takeReply(corr string) *callback.Callback[Outcome] {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.replies[corr]
	if !ok {
		return nil
	}
	delete(s.replies, corr)
	return cb
}

func (s *Session) putObject(oid string, obj remoteObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return ErrSessionEvicted
	}
	s.objects[oid] = obj
	return nil
}

func (s *Session) object(oid string) (remoteObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[oid]
	return obj, ok
}

func (s *Session) removeObject(oid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[oid]
	delete(s.objects, oid)
	return ok
}

func (s *Session) addObserver(e observerEntry) {
	s.mu.Lock()
	s.observers[e.kind] = append(s.observers[e.kind], e)
	s.mu.Unlock()
}

func (s *Session) removeObserver(owner any, kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	s.observers[kind], n = removeEntries(s.observers[kind], owner)
	if len(s.observers[kind]) == 0 {
		delete(s.observers, kind)
	}
	return n
}

func (s *Session) snapshotObservers(kind string) []observerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]observerEntry(nil), s.observers[kind]...)
}

// release marks the session evicted and drops everything it owns. Reply
// callbacks that never fired get ErrSessionEvicted.
func (s *Session) release() {
	s.mu.Lock()
	if s.evicted {
		s.mu.Unlock()
		return
	}
	s.evicted = true
	s.pending.Clear()
	clear(s.observers)
	clear(s.objects)
	replies := s.replies
	s.replies = make(map[string]*callback.Callback[Outcome])
	s.mu.Unlock()

	for _, cb := range replies {
		cb.Fire(Outcome{Err: ErrSessionEvicted})
	}
}

type sessionKey struct{}

// SessionFromContext returns the session of the exchange being handled.
// Observers and method handlers receive contexts carrying it.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}
