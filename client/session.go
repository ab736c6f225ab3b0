// Package client is the program-side half of push-rpc.
//
// A ServerSession owns one transport.ServerConnection and two managers:
//
//	MessageManager       kind-keyed observers, inbound buffer, polling, sends
//	RemoteObjectManager  proxies for server objects, signature cache, calls
//
// Every response envelope is routed by the session: replies the
// RemoteObjectManager is waiting for go to it, authentication failures
// invalidate the session, everything else goes to the MessageManager.
package client

import (
	"errors"
	"fmt"
	"push-rpc/codec"
	"push-rpc/config"
	"push-rpc/message"
	"push-rpc/protocol"
	"push-rpc/transport"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed = errors.New("client: session closed")
	errNoReply       = errors.New("client: response carried no reply")
)

// Reply is what a send returns: the response messages that were not
// consumed as remote-call replies, or the reason the exchange failed.
type Reply struct {
	Messages []message.Message
	Err      error
}

type options struct {
	conn             []transport.Option
	log              zerolog.Logger
	maxMessages      int
	overflow         message.OverflowPolicy
	keepMessages     bool
	maxCheckInterval time.Duration
}

type Option func(*options)

// WithConnectionOptions passes options through to the ServerConnection.
func WithConnectionOptions(opts ...transport.Option) Option {
	return func(o *options) { o.conn = append(o.conn, opts...) }
}

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

// WithMaxMessages bounds the inbound buffer.
func WithMaxMessages(n int, policy message.OverflowPolicy) Option {
	return func(o *options) { o.maxMessages, o.overflow = n, policy }
}

func WithKeepMessages(keep bool) Option { return func(o *options) { o.keepMessages = keep } }

// WithMaxCheckInterval sets the minimum time between two polls.
func WithMaxCheckInterval(d time.Duration) Option {
	return func(o *options) { o.maxCheckInterval = d }
}

// ServerSession is a client's view of one hub session.
type ServerSession struct {
	endpoint string
	opts     options
	log      zerolog.Logger

	messages *MessageManager
	objects  *RemoteObjectManager

	mu     sync.Mutex
	conn   *transport.ServerConnection
	closed bool
	valid  bool
}

func NewServerSession(endpoint string, opts ...Option) *ServerSession {
	o := options{
		log:              zerolog.Nop(),
		maxMessages:      1000,
		overflow:         message.DropOldest,
		keepMessages:     true,
		maxCheckInterval: time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	s := &ServerSession{endpoint: endpoint, opts: o, log: o.log}
	s.conn = s.dial()
	s.messages = newMessageManager(s, o)
	s.objects = newRemoteObjectManager(s)
	return s
}

// NewServerSessionFromConfig builds a session from the client section of a
// configuration file.
func NewServerSessionFromConfig(cfg config.ClientConfig, log zerolog.Logger) (*ServerSession, error) {
	ct, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		return nil, err
	}
	comp, err := protocol.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	policy, err := message.ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	return NewServerSession(cfg.Endpoint,
		WithLogger(log),
		WithMaxMessages(cfg.MaxMessages, policy),
		WithKeepMessages(cfg.KeepMessages),
		WithMaxCheckInterval(cfg.MaxCheckInterval),
		WithConnectionOptions(
			transport.WithTimeout(cfg.Timeout),
			transport.WithMaxConcurrent(cfg.MaxConcurrent),
			transport.WithCodec(ct),
			transport.WithCompression(comp),
			transport.WithRetry(transport.RetryPolicy{
				MaxRetries: cfg.Retries,
				BaseDelay:  cfg.RetryBaseDelay,
				MaxDelay:   transport.DefaultRetryPolicy().MaxDelay,
			}),
			transport.WithLogger(log),
		),
	), nil
}

func (s *ServerSession) dial() *transport.ServerConnection {
	return transport.NewServerConnection(s.endpoint, s.opts.conn...)
}

func (s *ServerSession) MessageManager() *MessageManager { return s.messages }

func (s *ServerSession) RemoteObjectManager() *RemoteObjectManager { return s.objects }

// Connection returns the current connection. Reinitialize replaces it.
func (s *ServerSession) Connection() *transport.ServerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *ServerSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SessionValid reports whether the hub has issued a session id that has not
// since been rejected.
func (s *ServerSession) SessionValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// ClearRequestQueue cancels queued and in-flight exchanges.
func (s *ServerSession) ClearRequestQueue() int {
	return s.Connection().ClearQueue()
}

// Close fails all outstanding work and refuses new sends until Reinitialize.
func (s *ServerSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.valid = false
	conn := s.conn
	s.mu.Unlock()

	err := conn.Close()
	s.objects.reset(ErrSessionClosed)
	s.log.Debug().Str("endpoint", s.endpoint).Msg("session closed")
	return err
}

// Reinitialize drops the session id and every proxy, abandons outstanding
// exchanges and starts over on a fresh connection. The next exchange is
// authenticated anew.
func (s *ServerSession) Reinitialize() {
	s.mu.Lock()
	old := s.conn
	s.conn = s.dial()
	s.closed = false
	s.valid = false
	s.mu.Unlock()

	old.Close()
	s.objects.reset(transport.ErrCanceled)
	s.log.Debug().Str("endpoint", s.endpoint).Msg("session reinitialized")
}

func (s *ServerSession) invalidate(m message.Message) {
	s.mu.Lock()
	s.valid = false
	conn := s.conn
	s.mu.Unlock()
	conn.ResetSession()
	s.log.Info().Str("kind", m.Kind()).Str("endpoint", s.endpoint).Msg("session invalidated")
}

// send enqueues env and routes the response. done, if not nil, fires once.
func (s *ServerSession) send(env *protocol.Envelope, done func(Reply)) *transport.RequestOperation {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()

	corrs := correlations(env)
	if closed {
		// The closed connection fails the operation synchronously.
		s.objects.settle(corrs, ErrSessionClosed)
	}
	return conn.Enqueue(env, func(r transport.Result) {
		reply := s.handle(r, corrs)
		if done != nil {
			done(reply)
		}
	}, nil)
}

// handle routes one finished exchange.
func (s *ServerSession) handle(r transport.Result, corrs []string) Reply {
	if r.Err != nil {
		s.objects.settle(corrs, r.Err)
		return Reply{Err: r.Err}
	}

	var (
		out    []message.Message
		failed error
	)
	for _, m := range r.Response.Messages {
		switch m.Kind() {
		case message.KindAuthFailed, message.KindSessionExpired:
			s.invalidate(m)
			failed = message.AsError(m)
			continue
		case message.KindResult, message.KindError:
			if s.objects.resolve(m) {
				continue
			}
		}
		out = append(out, m)
	}

	if failed == nil && r.Meta.SessionID != "" {
		s.mu.Lock()
		if !s.closed {
			s.valid = true
		}
		s.mu.Unlock()
	}

	settleErr := errNoReply
	if failed != nil {
		settleErr = failed
	}
	s.objects.settle(corrs, settleErr)

	for _, m := range out {
		s.messages.deliver(m)
	}
	return Reply{Messages: out, Err: failed}
}

func correlations(env *protocol.Envelope) []string {
	var corrs []string
	for _, m := range env.Messages {
		if c := m.Correlation(); c != "" {
			corrs = append(corrs, c)
		}
	}
	return corrs
}

func (s *ServerSession) valueCodec() codec.Codec {
	return codec.ValueCodec(s.Connection().Codec())
}

func (s *ServerSession) String() string {
	return fmt.Sprintf("ServerSession(%s)", s.endpoint)
}
