// Package callback provides a single-shot completion handle.
//
// A Callback is fired at most once; later Fire calls are ignored and report
// false. Completion is observable three ways: the function passed to New runs,
// the Done channel closes, and Wait returns the value.
package callback

import (
	"context"
	"sync/atomic"
)

type Callback[T any] struct {
	fired  atomic.Bool
	done   chan struct{}
	result T
	fn     func(T)
}

// New returns an unfired Callback. fn may be nil.
func New[T any](fn func(T)) *Callback[T] {
	return &Callback[T]{done: make(chan struct{}), fn: fn}
}

// Fire completes the callback with v. Only the first call has any effect; it
// returns true for that call. fn runs on the caller's goroutine after Done is
// closed.
func (c *Callback[T]) Fire(v T) bool {
	if !c.fired.CompareAndSwap(false, true) {
		return false
	}
	c.result = v
	close(c.done)
	if c.fn != nil {
		c.fn(v)
	}
	return true
}

// Fired reports whether Fire has been called.
func (c *Callback[T]) Fired() bool { return c.fired.Load() }

// Done is closed once the callback fires.
func (c *Callback[T]) Done() <-chan struct{} { return c.done }

// Result returns the fired value. ok is false while the callback is pending.
func (c *Callback[T]) Result() (v T, ok bool) {
	select {
	case <-c.done:
		return c.result, true
	default:
		return v, false
	}
}

// Wait blocks until the callback fires or ctx ends.
func (c *Callback[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
