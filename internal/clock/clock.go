// Package clock abstracts wall time so the session timer stays
// deterministic in tests.
package clock

import "time"

// Clock provides the current time and periodic tickers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of *time.Ticker the timer needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the real wall clock.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

func (System) NewTicker(d time.Duration) Ticker {
	return systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }
