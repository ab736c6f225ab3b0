package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy retries exchanges that certainly never reached the hub, with
// exponential backoff. Timeouts and broken responses are not retried: the hub
// may already have routed the messages and drained the pending queue.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NoRetry disables retries.
var NoRetry = RetryPolicy{}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(1<<attempt) // Exponential backoff
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// retryable reports whether err proves the request was not processed.
func retryable(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		switch status.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

// do runs fn until it succeeds, fails permanently, retries run out or ctx
// ends. It returns the number of attempts made.
func (p RetryPolicy) do(ctx context.Context, log zerolog.Logger, fn func(context.Context) (*ExchangeResponse, error)) (*ExchangeResponse, int, error) {
	attempts := 0
	for {
		resp, err := fn(ctx)
		attempts++
		if err == nil || attempts > p.MaxRetries || !retryable(err) || ctx.Err() != nil {
			return resp, attempts, err
		}

		delay := p.backoff(attempts - 1)
		log.Debug().Err(err).Int("attempt", attempts).Dur("delay", delay).Msg("retrying exchange")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempts, err
		case <-timer.C:
		}
	}
}
