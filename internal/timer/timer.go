// Package timer measures active study time independently of media pauses.
//
// The timer moves Idle → Running → Paused → Running → … → Idle. Only time
// spent Running accrues. Submit hands the accrued interval to the study log
// and returns to Idle; an interval the log rejects is kept in the pending
// store and retried later instead of being dropped.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kioku/internal/clock"
	"github.com/starford/kioku/internal/events"
	"github.com/starford/kioku/internal/models"
)

// State is the timer's lifecycle state.
type State string

const (
	Idle    State = "idle"
	Running State = "running"
	Paused  State = "paused"
)

const (
	defaultTick     = time.Second
	defaultMinFlush = time.Second
)

// Sink receives flushed study intervals.
type Sink interface {
	Insert(ctx context.Context, start, end time.Time) error
}

// Snapshot is a point-in-time view of the timer.
type Snapshot struct {
	State     State      `json:"state"`
	Elapsed   float64    `json:"elapsed"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Config wires the timer's collaborators. Clock and Sink are required.
type Config struct {
	Clock   clock.Clock
	Sink    Sink
	Pending PendingStore
	Bus     events.Publisher
	Logger  *slog.Logger
	UserID  string
	// MinFlush is the shortest interval worth logging (default 1s).
	MinFlush time.Duration
	// Tick is the period of timer.tick events (default 1s).
	Tick time.Duration
}

// Timer is the session timer. All methods are safe for concurrent use.
type Timer struct {
	clock    clock.Clock
	sink     Sink
	pending  PendingStore
	bus      events.Publisher
	logger   *slog.Logger
	userID   string
	minFlush time.Duration
	tick     time.Duration

	mu      sync.Mutex
	state   State
	start   time.Time     // valid while Running
	elapsed time.Duration // frozen value while Paused
	gen     uint64
	stopCh  chan struct{}
}

// New creates an idle timer.
func New(cfg Config) *Timer {
	t := &Timer{
		clock:    cfg.Clock,
		sink:     cfg.Sink,
		pending:  cfg.Pending,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		userID:   cfg.UserID,
		minFlush: cfg.MinFlush,
		tick:     cfg.Tick,
		state:    Idle,
	}
	if t.clock == nil {
		t.clock = clock.System{}
	}
	if t.pending == nil {
		t.pending = NewMemoryPending()
	}
	if t.bus == nil {
		t.bus = events.Nop{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.minFlush <= 0 {
		t.minFlush = defaultMinFlush
	}
	if t.tick <= 0 {
		t.tick = defaultTick
	}
	return t
}

// Snapshot returns the current state and accrued seconds.
func (t *Timer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(t.clock.Now())
}

func (t *Timer) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{State: t.state, Elapsed: t.elapsedLocked(now).Seconds()}
	if t.state == Running {
		start := t.start
		s.StartedAt = &start
	}
	return s
}

func (t *Timer) elapsedLocked(now time.Time) time.Duration {
	switch t.state {
	case Running:
		return now.Sub(t.start)
	case Paused:
		return t.elapsed
	default:
		return 0
	}
}

// MediaPlay starts the timer on the first play of a session. Playing while
// Paused does not resume: only Resume does.
func (t *Timer) MediaPlay() bool {
	t.mu.Lock()
	if t.state != Idle {
		t.mu.Unlock()
		return false
	}
	now := t.clock.Now()
	t.start = now
	t.elapsed = 0
	t.state = Running
	t.armLocked()
	snap := t.snapshotLocked(now)
	t.mu.Unlock()

	t.logger.Debug("timer: started")
	t.bus.Publish(events.TimerState, snap)
	return true
}

// Pause freezes the accrued time. It is a no-op unless Running.
func (t *Timer) Pause() bool {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		return false
	}
	now := t.clock.Now()
	t.elapsed = now.Sub(t.start)
	t.state = Paused
	t.disarmLocked()
	snap := t.snapshotLocked(now)
	t.mu.Unlock()

	t.bus.Publish(events.TimerState, snap)
	return true
}

// Resume continues from the frozen value. It is a no-op unless Paused.
func (t *Timer) Resume() bool {
	t.mu.Lock()
	if t.state != Paused {
		t.mu.Unlock()
		return false
	}
	now := t.clock.Now()
	t.start = now.Add(-t.elapsed)
	t.state = Running
	t.armLocked()
	snap := t.snapshotLocked(now)
	t.mu.Unlock()

	t.bus.Publish(events.TimerState, snap)
	return true
}

// Submit ends the session: the interval [now-elapsed, now] is written to
// the pending store, then every pending interval is flushed to the sink,
// oldest first, and the timer returns to Idle. A flush failure leaves the
// interval in the pending store and is returned; the timer is Idle either
// way.
func (t *Timer) Submit(ctx context.Context) error {
	t.mu.Lock()
	now := t.clock.Now()
	elapsed := t.elapsedLocked(now)
	wasIdle := t.state == Idle
	t.disarmLocked()
	t.state = Idle
	t.start = time.Time{}
	t.elapsed = 0
	snap := t.snapshotLocked(now)
	t.mu.Unlock()

	if !wasIdle {
		t.bus.Publish(events.TimerState, snap)
	}

	var errs []error
	switch {
	case wasIdle:
	case elapsed < t.minFlush:
		t.logger.Debug("timer: interval below minimum not logged",
			slog.Duration("elapsed", elapsed), slog.Duration("min", t.minFlush))
	default:
		p := models.PendingInterval{
			ID:       uuid.NewString(),
			Interval: models.Interval{Start: now.Add(-elapsed), End: now},
			UserID:   t.userID,
			SavedAt:  now,
		}
		// Persisted before any network call so an interrupted flush loses nothing.
		if err := t.pending.Save(p); err != nil {
			t.logger.Error("timer: persist pending interval failed", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("timer: persist pending: %w", err))
			if err := t.flush(ctx, p); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if _, err := t.RetryPending(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// MediaEnded submits the session.
func (t *Timer) MediaEnded(ctx context.Context) error {
	return t.Submit(ctx)
}

// SourceChanged applies the new-source rule: a Running timer is submitted,
// a Paused timer keeps its frozen value across the swap.
func (t *Timer) SourceChanged(ctx context.Context) error {
	t.mu.Lock()
	running := t.state == Running
	t.mu.Unlock()
	if !running {
		return nil
	}
	return t.Submit(ctx)
}

// Exit is called when the surface goes away. The interval is written to
// the pending store before the flush is attempted, so it survives a
// process exit that interrupts the flush.
func (t *Timer) Exit(ctx context.Context) error {
	return t.Submit(ctx)
}

// RetryPending flushes every stored interval, oldest first. It returns how
// many were accepted.
func (t *Timer) RetryPending(ctx context.Context) (int, error) {
	items, err := t.pending.List()
	if err != nil {
		return 0, fmt.Errorf("timer: list pending: %w", err)
	}
	flushed := 0
	var errs []error
	for _, p := range items {
		if err := t.flush(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		flushed++
	}
	return flushed, errors.Join(errs...)
}

// RecoverPending retries intervals left over from a previous run.
func (t *Timer) RecoverPending(ctx context.Context) error {
	n, err := t.RetryPending(ctx)
	if n > 0 {
		t.logger.Info("timer: recovered pending intervals", slog.Int("count", n))
	}
	return err
}

// Pending returns the intervals still waiting to be logged.
func (t *Timer) Pending() ([]models.PendingInterval, error) {
	return t.pending.List()
}

func (t *Timer) flush(ctx context.Context, p models.PendingInterval) error {
	if err := t.sink.Insert(ctx, p.Interval.Start, p.Interval.End); err != nil {
		p.Attempts++
		if saveErr := t.pending.Save(p); saveErr != nil {
			t.logger.Error("timer: update pending interval failed",
				slog.String("id", p.ID), slog.String("error", saveErr.Error()))
		}
		t.logger.Warn("timer: flush failed, kept for retry",
			slog.String("id", p.ID),
			slog.Int("attempts", p.Attempts),
			slog.String("error", err.Error()))
		t.bus.Publish(events.TimerFlushFailed, p)
		return fmt.Errorf("timer: flush %s: %w", p.ID, err)
	}
	if err := t.pending.Delete(p.ID); err != nil {
		t.logger.Warn("timer: clear pending interval failed",
			slog.String("id", p.ID), slog.String("error", err.Error()))
	}
	t.logger.Info("timer: interval logged",
		slog.String("id", p.ID),
		slog.Float64("seconds", p.Interval.Seconds()))
	t.bus.Publish(events.TimerFlushed, p)
	return nil
}

// armLocked starts a tick goroutine for the current generation. Ticks from
// an older generation are discarded.
func (t *Timer) armLocked() {
	t.disarmLocked()
	t.gen++
	gen := t.gen
	stop := make(chan struct{})
	t.stopCh = stop
	tk := t.clock.NewTicker(t.tick)
	go t.tickLoop(tk, stop, gen)
}

func (t *Timer) disarmLocked() {
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
}

func (t *Timer) tickLoop(tk clock.Ticker, stop <-chan struct{}, gen uint64) {
	defer tk.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tk.C():
			t.mu.Lock()
			if t.gen != gen || t.state != Running {
				t.mu.Unlock()
				return
			}
			snap := t.snapshotLocked(t.clock.Now())
			t.mu.Unlock()
			t.bus.Publish(events.TimerTick, snap)
		}
	}
}
