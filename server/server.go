// Package server implements the hub: the server side of the push channel.
//
// The hub sits behind a stateless request/response transport. Each exchange
// carries one envelope in and one envelope out:
//
//	AcceptRequest → decode envelope → resolve session (Authenticator)
//	  → for each message: invocation dispatch (Authorizer) | reply callback | observers
//	  → drain the session's pending queue → encode response envelope
//
// Messages addressed to a session between exchanges wait in its pending queue
// and ride along with the session's next response.
//
// Lock order: sessionsMu → bindingsMu → globalMu → Session.mu. Observer lists
// are copied before dispatch, so observers may register or remove observers
// while running.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"push-rpc/callback"
	"push-rpc/clock"
	"push-rpc/codec"
	"push-rpc/message"
	"push-rpc/protocol"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ResumePolicy decides what happens when a request presents a session id the
// hub no longer knows.
type ResumePolicy int

const (
	// Reauthenticate runs the Authenticator again and opens a new session.
	Reauthenticate ResumePolicy = iota
	// RejectExpired answers with a single _session_expired message.
	RejectExpired
)

// ParseResumePolicy parses the configuration name of a policy.
func ParseResumePolicy(name string) (ResumePolicy, error) {
	switch name {
	case "", "reauthenticate":
		return Reauthenticate, nil
	case "reject":
		return RejectExpired, nil
	}
	return 0, fmt.Errorf("unknown resume policy: %q", name)
}

var ErrHubClosed = errors.New("server: hub is shut down")

// Option configures a Hub.
type Option func(*Hub)

func WithLogger(l zerolog.Logger) Option { return func(h *Hub) { h.log = l } }

func WithClock(c clock.Clock) Option { return func(h *Hub) { h.clock = c } }

func WithSessionTimeout(d time.Duration) Option {
	return func(h *Hub) { h.sessionTimeout.Store(int64(d)) }
}

func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) { h.evictionInterval = d }
}

// WithMaxPendingMessages bounds each session's pending queue.
func WithMaxPendingMessages(n int) Option { return func(h *Hub) { h.maxPending = n } }

func WithOverflowPolicy(p message.OverflowPolicy) Option {
	return func(h *Hub) { h.overflow = p }
}

func WithResumePolicy(p ResumePolicy) Option { return func(h *Hub) { h.resume = p } }

func WithLimits(l protocol.Limits) Option { return func(h *Hub) { h.limits = l } }

func WithAuthenticator(a Authenticator) Option { return func(h *Hub) { h.authenticator = a } }

// Hub owns sessions, bindings and observer registrations.
type Hub struct {
	log              zerolog.Logger
	clock            clock.Clock
	limits           protocol.Limits
	maxPending       int
	overflow         message.OverflowPolicy
	resume           ResumePolicy
	evictionInterval time.Duration
	sessionTimeout   atomic.Int64

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	bindingsMu sync.RWMutex
	bindings   map[string]*ClassBinding

	globalMu      sync.RWMutex
	global        map[string][]observerEntry
	newSession    []newSessionEntry
	authenticator Authenticator

	// Exchanges hold lifecycle for reading; Shutdown takes it for writing to
	// wait out in-flight work.
	lifecycle sync.RWMutex
	closed    bool
	started   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	loopDone  chan struct{}
}

// NewHub creates a hub. Without an Authenticator every request may open a
// session; bindings still need their own Authorizer.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		log:              zerolog.Nop(),
		clock:            clock.Real(),
		limits:           protocol.DefaultLimits(),
		maxPending:       1000,
		overflow:         message.DropOldest,
		resume:           Reauthenticate,
		evictionInterval: time.Minute,
		sessions:         make(map[string]*Session),
		bindings:         make(map[string]*ClassBinding),
		global:           make(map[string][]observerEntry),
		stop:             make(chan struct{}),
		loopDone:         make(chan struct{}),
	}
	h.sessionTimeout.Store(int64(30 * time.Minute))
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start runs the idle-eviction loop until ctx ends or Shutdown is called.
func (h *Hub) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errors.New("server: hub already started")
	}
	ticker := h.clock.NewTicker(h.evictionInterval)
	go func() {
		defer close(h.loopDone)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				if n := h.EvictIdle(); n > 0 {
					h.log.Debug().Int("evicted", n).Msg("idle sessions evicted")
				}
			}
		}
	}()
	return nil
}

// Shutdown stops accepting exchanges, waits for in-flight ones, then evicts
// every session. If ctx ends first, in-flight exchanges keep running and
// ctx.Err() is returned.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })

	drained := make(chan struct{})
	go func() {
		h.lifecycle.Lock()
		h.closed = true
		h.lifecycle.Unlock()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	if h.started.Load() {
		<-h.loopDone
	}
	for _, s := range h.Sessions() {
		h.Evict(s.ID())
	}
	h.log.Info().Msg("hub shut down")
	return nil
}

// SetSessionTimeout changes the idle timeout for all sessions.
func (h *Hub) SetSessionTimeout(d time.Duration) { h.sessionTimeout.Store(int64(d)) }

func (h *Hub) SessionTimeout() time.Duration { return time.Duration(h.sessionTimeout.Load()) }

func (h *Hub) SetAuthenticator(a Authenticator) {
	h.globalMu.Lock()
	h.authenticator = a
	h.globalMu.Unlock()
}

func (h *Hub) RemoveAuthenticator() { h.SetAuthenticator(nil) }

// Bind registers b, replacing any binding with the same type id.
func (h *Hub) Bind(b *ClassBinding) {
	h.bindingsMu.Lock()
	h.bindings[b.typeID] = b
	h.bindingsMu.Unlock()
	h.log.Debug().Str("type", b.typeID).Bool("shared", b.Shared()).Msg("type bound")
}

// Unbind removes a binding. Objects already handed out stop being callable.
func (h *Hub) Unbind(typeID string) {
	h.bindingsMu.Lock()
	delete(h.bindings, typeID)
	h.bindingsMu.Unlock()
}

func (h *Hub) binding(typeID string) *ClassBinding {
	h.bindingsMu.RLock()
	defer h.bindingsMu.RUnlock()
	return h.bindings[typeID]
}

// AddGlobalObserver registers fn for kind (or message.Wildcard) across all
// sessions. owner must be comparable.
func (h *Hub) AddGlobalObserver(owner any, kind string, fn Observer) {
	h.globalMu.Lock()
	h.global[kind] = append(h.global[kind], observerEntry{owner: owner, kind: kind, fn: fn})
	h.globalMu.Unlock()
}

// RemoveGlobalObserver removes every registration of owner for kind.
func (h *Hub) RemoveGlobalObserver(owner any, kind string) int {
	h.globalMu.Lock()
	defer h.globalMu.Unlock()
	var n int
	h.global[kind], n = removeEntries(h.global[kind], owner)
	if len(h.global[kind]) == 0 {
		delete(h.global, kind)
	}
	return n
}

// AddSessionObserver registers fn for kind on one session only. The
// registration disappears with the session.
func (h *Hub) AddSessionObserver(s *Session, owner any, kind string, fn Observer) {
	s.addObserver(observerEntry{owner: owner, kind: kind, fn: fn})
}

func (h *Hub) RemoveSessionObserver(s *Session, owner any, kind string) int {
	return s.removeObserver(owner, kind)
}

func (h *Hub) AddNewSessionCallback(owner any, fn NewSessionCallback) {
	h.globalMu.Lock()
	h.newSession = append(h.newSession, newSessionEntry{owner: owner, fn: fn})
	h.globalMu.Unlock()
}

func (h *Hub) RemoveNewSessionCallback(owner any) {
	h.globalMu.Lock()
	defer h.globalMu.Unlock()
	kept := h.newSession[:0]
	for _, e := range h.newSession {
		if e.owner != owner {
			kept = append(kept, e)
		}
	}
	clear(h.newSession[len(kept):])
	h.newSession = kept
}

func (h *Hub) globalSnapshot(kind string) []observerEntry {
	h.globalMu.RLock()
	defer h.globalMu.RUnlock()
	return append([]observerEntry(nil), h.global[kind]...)
}

// Session returns a live session by id.
func (h *Hub) Session(id string) (*Session, bool) {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of the live sessions.
func (h *Hub) Sessions() []*Session {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Evict removes a session and releases its observers, pending queue, objects
// and reply callbacks.
func (h *Hub) Evict(id string) bool {
	h.sessionsMu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.sessionsMu.Unlock()
	if !ok {
		return false
	}
	s.release()
	sessionsActive.Dec()
	evictions.Inc()
	h.log.Debug().Str("session", id).Msg("session evicted")
	return true
}

// EvictIdle evicts sessions idle longer than the session timeout and returns
// how many were evicted.
func (h *Hub) EvictIdle() int {
	timeout := h.SessionTimeout()
	if timeout <= 0 {
		return 0
	}
	now := h.clock.Now()
	n := 0
	for _, s := range h.Sessions() {
		if s.idleSince(now) > timeout && h.Evict(s.id) {
			n++
		}
	}
	return n
}

// Broadcast queues msg for every live session. The error joins the
// per-session failures, if any.
func (h *Hub) Broadcast(msg message.Message) error {
	var errs []error
	for _, s := range h.Sessions() {
		if err := h.Send(msg, s); err != nil && !errors.Is(err, ErrSessionEvicted) {
			errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}

// Send queues msg for delivery on the session's next exchange.
func (h *Hub) Send(msg message.Message, s *Session) error {
	dropped, err := s.enqueue(msg)
	if dropped || errors.Is(err, message.ErrCapacityExceeded) {
		droppedMessages.Inc()
	}
	return err
}

// SendWithCallback queues msg and registers fn to run once with the reply
// the client sends back carrying the same correlation label. A correlation
// label is assigned if msg has none; it is returned.
func (h *Hub) SendWithCallback(msg message.Message, s *Session, fn func(Outcome)) (string, error) {
	corr := msg.Correlation()
	if corr == "" {
		corr = uuid.NewString()
		msg = msg.With(message.LabelCorrelation, corr)
	}
	cb := callback.New(fn)
	if err := s.addReply(corr, cb); err != nil {
		return "", err
	}
	if err := h.Send(msg, s); err != nil {
		s.takeReply(corr)
		return "", err
	}
	return corr, nil
}

// AcceptRequest handles one exchange. Decode and authentication failures are
// reported inside the response envelope, never as transport errors.
func (h *Hub) AcceptRequest(ctx context.Context, req Request) Reply {
	start := h.clock.Now()

	h.lifecycle.RLock()
	defer h.lifecycle.RUnlock()
	if h.closed {
		recordExchange(outcomeUnavailable, 0)
		return Reply{Status: http.StatusServiceUnavailable}
	}

	env, err := protocol.Unmarshal(req.Body, h.limits)
	if err != nil {
		h.log.Debug().Err(err).Str("remote", req.RemoteAddr).Msg("malformed envelope")
		return h.finish(start, outcomeDecodeError, errorReply(req.Body, "", message.NewError(message.ClassDecode, err.Error(), "", "")))
	}

	s, outcome := h.resolveSession(ctx, req)
	switch outcome {
	case outcomeAuthFailed:
		return h.finish(start, outcome, errorReply(req.Body, "", message.MustNew(message.KindAuthFailed, nil, nil)))
	case outcomeExpired:
		return h.finish(start, outcome, errorReply(req.Body, "", message.MustNew(message.KindSessionExpired, []byte(req.SessionID), nil)))
	}

	resp := &protocol.Envelope{Codec: env.Codec, Compression: env.Compression, Flags: protocol.FlagResponse}
	ctx = withSession(ctx, s)
	vc := codec.ValueCodec(env.Codec)
	for _, m := range env.Messages {
		resp.Append(h.route(ctx, s, m, vc)...)
	}
	resp.Append(s.drain()...)

	body, err := protocol.Marshal(resp)
	if err != nil {
		h.log.Error().Err(err).Str("session", s.id).Msg("encoding response")
		return h.finish(start, outcomeEncodeError, errorReply(req.Body, s.id, message.NewError(message.ClassExecution, "response encoding failed", "", "")))
	}
	return h.finish(start, outcomeOK, Reply{Status: http.StatusOK, Body: body, SessionID: s.id})
}

func (h *Hub) finish(start time.Time, outcome string, r Reply) Reply {
	recordExchange(outcome, h.clock.Now().Sub(start))
	return r
}

// resolveSession finds the live session for req or opens a new one.
func (h *Hub) resolveSession(ctx context.Context, req Request) (*Session, string) {
	now := h.clock.Now()
	timeout := h.SessionTimeout()

	if req.SessionID != "" {
		if s, ok := h.Session(req.SessionID); ok {
			if s.activate(now, timeout) {
				return s, outcomeOK
			}
			// Idle past the timeout but not swept yet.
			h.Evict(s.id)
		}
		if h.resume == RejectExpired {
			return nil, outcomeExpired
		}
	}

	s := newSession(uuid.NewString(), req.RemoteAddr, now, h.maxPending, h.overflow)

	h.globalMu.RLock()
	authn := h.authenticator
	callbacks := append([]newSessionEntry(nil), h.newSession...)
	h.globalMu.RUnlock()

	if authn != nil {
		rc := RequestContext{RemoteAddr: req.RemoteAddr, SessionID: req.SessionID, Header: req.Header}
		if !authn.Authenticate(ctx, rc, s) {
			h.log.Info().Str("remote", req.RemoteAddr).Msg("authentication denied")
			return nil, outcomeAuthFailed
		}
	}

	h.sessionsMu.Lock()
	h.sessions[s.id] = s
	h.sessionsMu.Unlock()
	sessionsActive.Inc()
	h.log.Info().Str("session", s.id).Str("remote", req.RemoteAddr).Msg("session created")

	sctx := withSession(ctx, s)
	for _, cb := range callbacks {
		h.safeNewSession(sctx, cb, s)
	}
	return s, outcomeOK
}

func (h *Hub) safeNewSession(ctx context.Context, e newSessionEntry, s *Session) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("session", s.id).Msg("new-session callback panicked")
		}
	}()
	e.fn(ctx, s)
}

// route delivers one inbound message and returns the messages it produced.
func (h *Hub) route(ctx context.Context, s *Session, m message.Message, vc codec.Codec) []message.Message {
	kind := m.Kind()
	if message.IsInvocationKind(kind) {
		recordRouted("invocation")
		return h.dispatch(ctx, s, m, vc)
	}
	if corr := m.Correlation(); corr != "" {
		if cb := s.takeReply(corr); cb != nil {
			recordRouted("reply")
			cb.Fire(Outcome{Message: m, Err: message.AsError(m)})
			return nil
		}
	}

	observers := s.snapshotObservers(kind)
	observers = append(observers, h.globalSnapshot(kind)...)
	if kind != message.Wildcard {
		observers = append(observers, h.globalSnapshot(message.Wildcard)...)
	}
	if len(observers) == 0 {
		recordRouted("unhandled")
		return nil
	}
	recordRouted("observer")

	var out []message.Message
	for _, o := range observers {
		res, err := h.notify(ctx, o, m, s)
		if err != nil {
			h.log.Warn().Err(err).Str("session", s.id).Str("kind", kind).Msg("observer failed")
			out = append(out, message.NewError(message.ClassExecution, err.Error(), m.Correlation(), kind))
			continue
		}
		out = append(out, res...)
	}
	return out
}

func (h *Hub) notify(ctx context.Context, o observerEntry, m message.Message, s *Session) (res []message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o.fn(ctx, m, s)
}

// errorReply encodes msg with the codec and compression of the request when
// its header is readable, the binary codec otherwise.
func errorReply(reqBody []byte, sessionID string, msg message.Message) Reply {
	env := protocol.NewEnvelope(msg)
	env.Flags = protocol.FlagResponse
	if hdr, err := protocol.DecodeHeader(reqBody); err == nil {
		env.Codec = hdr.CodecType
		env.Compression = hdr.Compression
	}
	body, err := protocol.Marshal(env)
	if err != nil {
		return Reply{Status: http.StatusInternalServerError}
	}
	return Reply{Status: http.StatusOK, Body: body, SessionID: sessionID}
}

// ErrorReply builds a reply carrying a single error message, for middleware
// that refuses an exchange before it reaches the hub.
func ErrorReply(req Request, class message.ErrorClass, detail string) Reply {
	return errorReply(req.Body, req.SessionID, message.NewError(class, detail, "", ""))
}
