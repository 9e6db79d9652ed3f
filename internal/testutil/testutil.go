// Package testutil provides shared test helpers: a study-log database,
// a manual clock and a fake AnkiConnect endpoint.
package testutil

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/starford/kioku/internal/clock"
	"github.com/starford/kioku/internal/studylog"
)

// TestDB creates a temporary study-log database that is automatically cleaned up.
func TestDB(t *testing.T, userID string) *studylog.Store {
	t.Helper()
	dbFile, err := os.CreateTemp("", "kioku-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := studylog.Open(dbFile.Name(), userID)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// FakeClock is a clock.Clock that only moves when Advance is called.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFakeClock returns a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) NewTicker(d time.Duration) clock.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk := &fakeTicker{ch: make(chan time.Time, 1), period: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, tk)
	return tk
}

// Advance moves the clock forward and fires every live ticker whose
// deadline passed. Like time.Ticker, ticks a slow reader misses are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	live := c.tickers[:0]
	for _, tk := range c.tickers {
		if tk.isStopped() {
			continue
		}
		for !tk.next.After(c.now) {
			select {
			case tk.ch <- tk.next:
			default:
			}
			tk.next = tk.next.Add(tk.period)
		}
		live = append(live, tk)
	}
	c.tickers = live
}

// ActiveTickers reports how many tickers have not been stopped.
func (c *FakeClock) ActiveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, tk := range c.tickers {
		if !tk.isStopped() {
			n++
		}
	}
	return n
}

var _ clock.Clock = (*FakeClock)(nil)

type fakeTicker struct {
	ch     chan time.Time
	period time.Duration
	next   time.Time

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
