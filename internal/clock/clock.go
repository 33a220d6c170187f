// Package clock abstracts time for the refresh loops so tests can drive ticks
// by hand.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the wall clock.
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// Manual only moves when Advance is called. Like time.Ticker, a manual ticker
// drops ticks its reader is not ready for.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{owner: m, period: d, next: m.now.Add(d), c: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, t)
	return t
}

// Tickers is the number of live tickers.
func (m *Manual) Tickers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickers)
}

// Advance moves the clock forward and fires every ticker that came due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	for _, t := range m.tickers {
		for !t.next.After(m.now) {
			select {
			case t.c <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

type manualTicker struct {
	owner  *Manual
	period time.Duration
	next   time.Time
	c      chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.tickers {
		if other == t {
			m.tickers = append(m.tickers[:i], m.tickers[i+1:]...)
			return
		}
	}
}
