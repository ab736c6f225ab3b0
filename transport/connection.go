package transport

import (
	"context"
	"errors"
	"fmt"
	"push-rpc/callback"
	"push-rpc/codec"
	"push-rpc/message"
	"push-rpc/protocol"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrTimeout  = message.ErrTimeout
	ErrCanceled = message.ErrCanceled
	ErrClosed   = errors.New("transport: connection closed")
)

type Option func(*ServerConnection)

// WithTimeout bounds every exchange, retries included.
func WithTimeout(d time.Duration) Option { return func(c *ServerConnection) { c.timeout = d } }

func WithCodec(t codec.CodecType) Option { return func(c *ServerConnection) { c.codec = t } }

func WithCompression(comp protocol.Compression) Option {
	return func(c *ServerConnection) { c.compression = comp }
}

// WithMaxConcurrent bounds in-flight exchanges; the rest wait in FIFO order.
func WithMaxConcurrent(n int) Option { return func(c *ServerConnection) { c.maxConcurrent = n } }

func WithRetry(p RetryPolicy) Option { return func(c *ServerConnection) { c.retry = p } }

func WithExchanger(x Exchanger) Option { return func(c *ServerConnection) { c.exchanger = x } }

func WithLimits(l protocol.Limits) Option { return func(c *ServerConnection) { c.limits = l } }

func WithLogger(l zerolog.Logger) Option { return func(c *ServerConnection) { c.log = l } }

// WithSessionID resumes an existing session.
func WithSessionID(id string) Option { return func(c *ServerConnection) { c.sessionID = id } }

// ServerConnection holds the endpoint, the session id and the queue of
// RequestOperations bound for one hub.
type ServerConnection struct {
	endpoint      string
	exchanger     Exchanger
	timeout       time.Duration
	codec         codec.CodecType
	compression   protocol.Compression
	maxConcurrent int
	retry         RetryPolicy
	limits        protocol.Limits
	log           zerolog.Logger

	mu        sync.Mutex
	sessionID string
	queue     []*RequestOperation
	running   map[*RequestOperation]struct{}
	closed    bool
}

func NewServerConnection(endpoint string, opts ...Option) *ServerConnection {
	c := &ServerConnection{
		endpoint:      endpoint,
		timeout:       30 * time.Second,
		codec:         codec.CodecTypeBinary,
		maxConcurrent: 2,
		retry:         DefaultRetryPolicy(),
		limits:        protocol.DefaultLimits(),
		log:           zerolog.Nop(),
		running:       make(map[*RequestOperation]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.exchanger == nil {
		c.exchanger = NewHTTPExchanger(nil, int64(c.limits.MaxMetadataBytes)+int64(c.limits.MaxContentsBytes)+int64(protocol.HeaderSize))
	}
	if c.maxConcurrent <= 0 {
		c.maxConcurrent = 1
	}
	return c
}

func (c *ServerConnection) Endpoint() string { return c.endpoint }

func (c *ServerConnection) Codec() codec.CodecType { return c.codec }

func (c *ServerConnection) Compression() protocol.Compression { return c.compression }

func (c *ServerConnection) Timeout() time.Duration { return c.timeout }

// SessionID is the id the hub assigned on the last successful exchange.
func (c *ServerConnection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ResetSession forgets the session id; the next exchange authenticates anew
// and runs alone.
func (c *ServerConnection) ResetSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
}

// Queued returns the number of operations waiting to start.
func (c *ServerConnection) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Running returns the number of in-flight operations.
func (c *ServerConnection) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

func (c *ServerConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Enqueue schedules env for exchange. cb (may be nil) fires exactly once with
// the outcome; token is handed back in the Result. If env cannot be encoded
// or the connection is closed, cb fires before Enqueue returns.
func (c *ServerConnection) Enqueue(env *protocol.Envelope, cb func(Result), token any) *RequestOperation {
	req := *env
	req.Codec = c.codec
	req.Compression = c.compression
	req.Flags = 0

	op := &RequestOperation{conn: c, request: &req, token: token, cb: callback.New(cb)}

	body, err := protocol.Marshal(&req)
	if err != nil {
		op.state = opDone
		op.finish(Result{Token: token, Request: &req, Err: fmt.Errorf("encoding request: %w", err)})
		return op
	}
	op.body = body

	c.mu.Lock()
	if c.closed {
		op.state = opDone
		c.mu.Unlock()
		op.finish(Result{Token: token, Request: &req, Err: ErrClosed})
		return op
	}
	op.state = opQueued
	c.queue = append(c.queue, op)
	c.pump()
	c.mu.Unlock()
	return op
}

// ClearQueue cancels every queued operation and requests cancellation of the
// in-flight ones. It returns how many queued operations were removed.
func (c *ServerConnection) ClearQueue() int {
	return c.abortAll(ErrCanceled)
}

// Close fails all pending work with ErrClosed and refuses new operations.
func (c *ServerConnection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.abortAll(ErrClosed)
	return nil
}

func (c *ServerConnection) abortAll(reason error) int {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	for _, op := range queued {
		op.state = opDone
	}
	for op := range c.running {
		op.abort(reason)
	}
	c.mu.Unlock()

	for _, op := range queued {
		op.finish(Result{Token: op.token, Request: op.request, Err: reason})
	}
	return len(queued)
}

// pump starts queued operations while there is capacity. Until the hub has
// issued a session id only one exchange runs, so the rest join the session it
// opens. Caller holds c.mu.
func (c *ServerConnection) pump() {
	for len(c.running) < c.maxConcurrent && len(c.queue) > 0 {
		if c.sessionID == "" && len(c.running) > 0 {
			return
		}
		op := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		op.state = opRunning
		op.cancel = cancel
		c.running[op] = struct{}{}
		go c.run(ctx, op, c.sessionID)
	}
}

// remove takes a queued operation out of the queue. Caller holds c.mu.
func (c *ServerConnection) remove(op *RequestOperation) bool {
	for i, q := range c.queue {
		if q == op {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (c *ServerConnection) run(ctx context.Context, op *RequestOperation, sessionID string) {
	start := time.Now()
	resp, attempts, err := c.retry.do(ctx, c.log, func(ctx context.Context) (*ExchangeResponse, error) {
		return c.exchanger.Exchange(ctx, Exchange{Endpoint: c.endpoint, SessionID: sessionID, Body: op.body})
	})

	result := Result{
		Token:   op.token,
		Request: op.request,
		Meta:    ResponseMeta{Attempts: attempts, Duration: time.Since(start)},
	}
	if err == nil {
		result.Meta.Status = resp.Status
		result.Meta.SessionID = resp.SessionID
		result.Meta.Header = resp.Header
		env, derr := protocol.Unmarshal(resp.Body, c.limits)
		if derr != nil {
			err = fmt.Errorf("decoding response: %w", derr)
		} else {
			result.Body = resp.Body
			result.Response = env
		}
	}

	c.mu.Lock()
	delete(c.running, op)
	op.state = opDone
	reason := op.aborted
	if err == nil && resp.SessionID != "" {
		c.sessionID = resp.SessionID
	}
	c.pump()
	c.mu.Unlock()
	op.cancel()

	switch {
	case err != nil:
		result.Err = classify(ctx, reason, err)
		c.log.Debug().Err(result.Err).Str("endpoint", c.endpoint).Int("attempts", attempts).Msg("exchange failed")
	case reason != nil:
		// Canceled after the exchange returned but before it was reported.
		result.Body, result.Response = nil, nil
		result.Err = reason
	}
	op.finish(result)
}

// classify maps a failed exchange to the lifecycle error that caused it.
func classify(ctx context.Context, aborted error, err error) error {
	switch {
	case aborted != nil:
		return fmt.Errorf("%w: %v", aborted, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
