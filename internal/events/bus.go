// Package events is the in-process observer bus. Components publish state
// changes; the SSE broker, the player and tests subscribe.
package events

import (
	"sync"
)

// Kind names an event.
type Kind string

const (
	// All subscribes to every kind.
	All Kind = "*"

	CueChanged       Kind = "cue.changed"
	OffsetChanged    Kind = "offset.changed"
	TrackLoaded      Kind = "track.loaded"
	SourceLoaded     Kind = "source.loaded"
	TimerState       Kind = "timer.state"
	TimerTick        Kind = "timer.tick"
	TimerFlushed     Kind = "timer.flushed"
	TimerFlushFailed Kind = "timer.flush_failed"
	MinePending      Kind = "mine.pending"
	MineCommitted    Kind = "mine.committed"
	MineFailed       Kind = "mine.failed"
	MineCancelled    Kind = "mine.cancelled"
	PlayerPause      Kind = "player.pause"
	PlayerResume     Kind = "player.resume"
)

// Event is one published notification.
type Event struct {
	Kind Kind `json:"kind"`
	Data any  `json:"data"`
}

// Handler receives events synchronously on the publisher's goroutine.
// Handlers must not block.
type Handler func(Event)

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(kind Kind, data any)
}

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[Kind]map[uint64]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Kind]map[uint64]Handler)}
}

// Subscribe registers h for kind and returns a function that removes it.
// Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[uint64]Handler)
	}
	b.subs[kind][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[kind], id)
			if len(b.subs[kind]) == 0 {
				delete(b.subs, kind)
			}
		})
	}
}

// Publish delivers an event to subscribers of kind and of All.
func (b *Bus) Publish(kind Kind, data any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[kind])+len(b.subs[All]))
	for _, h := range b.subs[kind] {
		handlers = append(handlers, h)
	}
	if kind != All {
		for _, h := range b.subs[All] {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	ev := Event{Kind: kind, Data: data}
	for _, h := range handlers {
		h(ev)
	}
}

// Count returns the number of handlers registered for kind.
func (b *Bus) Count(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Kind, any) {}
