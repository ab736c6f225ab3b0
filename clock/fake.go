package clock

import (
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time stands still until Advance is
// called. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	ch       chan time.Time
	next     time.Time
	interval time.Duration
	stopped  bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ft := &fakeTicker{
		ch:       make(chan time.Time, 1),
		next:     c.current.Add(d),
		interval: d,
	}
	c.tickers = append(c.tickers, ft)
	return &Ticker{
		C: ft.ch,
		stop: func() {
			c.mu.Lock()
			ft.stopped = true
			c.mu.Unlock()
		},
	}
}

// Advance moves the clock forward by d and fires every ticker whose deadline
// was reached. A ticker that fell several intervals behind fires once.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	live := c.tickers[:0]
	for _, ft := range c.tickers {
		if ft.stopped {
			continue
		}
		live = append(live, ft)
		if c.current.Before(ft.next) {
			continue
		}
		select {
		case ft.ch <- c.current:
		default:
		}
		for !c.current.Before(ft.next) {
			ft.next = ft.next.Add(ft.interval)
		}
	}
	c.tickers = live
}

// Set jumps the clock to t without firing tickers. Moving backwards is
// allowed.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}
