// Package clock provides an injectable time source.
//
// Production code takes a Clock instead of calling time.Now or
// time.NewTicker directly. Real returns the standard library behavior; Fake
// returns a clock that only moves when Advance is called, which keeps
// eviction and timeout tests deterministic.
package clock

import "time"

type Clock interface {
	Now() time.Time

	// NewTicker returns a Ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C. The channel has capacity 1; ticks are dropped
// when the consumer falls behind, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
