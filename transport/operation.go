package transport

import (
	"context"
	"net/http"
	"push-rpc/callback"
	"push-rpc/protocol"
	"time"
)

type opState int

const (
	opNew opState = iota
	opQueued
	opRunning
	opDone
)

// ResponseMeta describes the transport side of a finished exchange.
type ResponseMeta struct {
	Status    int
	SessionID string
	Header    http.Header
	Attempts  int
	Duration  time.Duration
}

// Result is delivered to an operation's callback. Exactly one of Response
// and Err is set.
type Result struct {
	Body     []byte
	Response *protocol.Envelope
	Token    any
	Request  *protocol.Envelope
	Meta     ResponseMeta
	Err      error
}

// RequestOperation is one cancellable exchange.
type RequestOperation struct {
	conn    *ServerConnection
	request *protocol.Envelope
	body    []byte
	token   any
	cb      *callback.Callback[Result]

	// Guarded by conn.mu.
	state   opState
	cancel  context.CancelFunc
	aborted error
}

func (op *RequestOperation) Token() any { return op.token }

// Request returns the envelope as it was sent.
func (op *RequestOperation) Request() *protocol.Envelope { return op.request }

// Cancel removes a queued operation or abandons an in-flight one. The
// callback still fires, with ErrCanceled. It reports false if the operation
// had already finished.
func (op *RequestOperation) Cancel() bool {
	c := op.conn
	c.mu.Lock()
	switch op.state {
	case opQueued:
		c.remove(op)
		op.state = opDone
		c.mu.Unlock()
		op.finish(Result{Token: op.token, Request: op.request, Err: ErrCanceled})
		return true
	case opRunning:
		op.abort(ErrCanceled)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	return false
}

// abort records why a running operation is being abandoned and cancels its
// context. Caller holds conn.mu.
func (op *RequestOperation) abort(reason error) {
	if op.aborted == nil {
		op.aborted = reason
	}
	if op.cancel != nil {
		op.cancel()
	}
}

func (op *RequestOperation) finish(r Result) {
	op.cb.Fire(r)
}

// Done is closed once the result is available.
func (op *RequestOperation) Done() <-chan struct{} { return op.cb.Done() }

// Wait blocks until the operation finishes or ctx ends. A finished operation
// reports its own error through Result.Err.
func (op *RequestOperation) Wait(ctx context.Context) (Result, error) {
	return op.cb.Wait(ctx)
}
