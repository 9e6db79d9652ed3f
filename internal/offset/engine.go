// Package offset applies a signed millisecond shift to a cue list and
// answers which cue is active at a playback position.
package offset

import (
	"sync"

	"github.com/starford/kioku/internal/models"
)

// Engine holds one subtitle track and its current offset. The original
// timestamps are snapshotted on the first adjustment and every displayed
// time is recomputed from that snapshot, so offsets never compound.
type Engine struct {
	mu       sync.RWMutex
	display  []models.Cue
	original []models.Cue // nil until the first Adjust
	offsetMs int
}

// New returns an engine over a copy of cues with a zero offset.
func New(cues []models.Cue) *Engine {
	return &Engine{display: clone(cues)}
}

// Adjust adds deltaMs to the total offset and returns the displayed cues.
func (e *Engine) Adjust(deltaMs int) []models.Cue {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.original == nil {
		e.original = clone(e.display)
	}
	e.offsetMs += deltaMs
	e.apply()
	return clone(e.display)
}

// Reset sets the offset back to zero; displayed times equal the originals.
func (e *Engine) Reset() []models.Cue {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offsetMs = 0
	if e.original != nil {
		e.display = clone(e.original)
	}
	return clone(e.display)
}

// Replace swaps in a freshly parsed track and re-applies the current offset.
func (e *Engine) Replace(cues []models.Cue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.display = clone(cues)
	e.original = nil
	if e.offsetMs != 0 {
		e.original = clone(cues)
		e.apply()
	}
}

// Offset returns the total offset in milliseconds.
func (e *Engine) Offset() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.offsetMs
}

// Cues returns the displayed (offset) cues.
func (e *Engine) Cues() []models.Cue {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return clone(e.display)
}

// Original returns the cues as parsed, before any offset.
func (e *Engine) Original() []models.Cue {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return clone(e.originals())
}

// Len returns the number of cues.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.display)
}

// ActiveCue returns the displayed cue under playback time t. The query is
// de-offset and matched against original timestamps, bounds inclusive;
// the earliest-starting match wins.
func (e *Engine) ActiveCue(t float64) (models.Cue, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i := e.activeIndex(t)
	if i < 0 {
		return models.Cue{}, false
	}
	return e.display[i], true
}

// Next returns the cue after the one under t, or the first cue starting
// after t when none is active. ok is false at the end of the track.
func (e *Engine) Next(t float64) (models.Cue, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	orig := e.originals()
	if i := e.activeIndex(t); i >= 0 {
		if i+1 < len(orig) {
			return e.display[i+1], true
		}
		return models.Cue{}, false
	}
	q := e.query(t)
	for i, c := range orig {
		if c.Start > q {
			return e.display[i], true
		}
	}
	return models.Cue{}, false
}

// Previous returns the cue before the one under t, or the last cue ending
// before t when none is active. ok is false at the start of the track.
func (e *Engine) Previous(t float64) (models.Cue, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	orig := e.originals()
	if i := e.activeIndex(t); i >= 0 {
		if i > 0 {
			return e.display[i-1], true
		}
		return models.Cue{}, false
	}
	q := e.query(t)
	for i := len(orig) - 1; i >= 0; i-- {
		if orig[i].End < q {
			return e.display[i], true
		}
	}
	return models.Cue{}, false
}

func (e *Engine) activeIndex(t float64) int {
	q := e.query(t)
	for i, c := range e.originals() {
		if c.Start > q {
			break
		}
		if c.Contains(q) {
			return i
		}
	}
	return -1
}

func (e *Engine) query(t float64) float64 {
	return t - float64(e.offsetMs)/1000
}

func (e *Engine) originals() []models.Cue {
	if e.original != nil {
		return e.original
	}
	return e.display
}

func (e *Engine) apply() {
	shift := float64(e.offsetMs) / 1000
	for i, c := range e.original {
		e.display[i].Start = c.Start + shift
		e.display[i].End = c.End + shift
	}
}

func clone(cues []models.Cue) []models.Cue {
	if cues == nil {
		return nil
	}
	out := make([]models.Cue, len(cues))
	copy(out, cues)
	return out
}
