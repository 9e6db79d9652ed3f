// Package sse streams bus events to player surfaces as Server-Sent Events.
//
// Every frame carries a sequence id. A surface that reconnects with
// Last-Event-ID gets the frames it missed from a bounded replay window, so a
// dropped connection does not leave it showing a stale cue or timer state.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/starford/kioku/internal/events"
)

const (
	defaultHistory   = 128
	defaultKeepAlive = 15 * time.Second
	clientBuffer     = 64
	retryMs          = 3000
)

// Event is one frame to broadcast. Transient events reach live clients but
// are not kept for replay.
type Event struct {
	Type      string
	Data      any
	Transient bool
}

type frame struct {
	id   uint64
	kind string
	raw  []byte
}

type subscription struct {
	ch    chan []byte
	kinds map[string]struct{}
	after uint64
}

func (s *subscription) wants(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistory sets how many frames are kept for replay. Zero disables replay.
func WithHistory(n int) Option {
	return func(b *Broker) {
		if n >= 0 {
			b.history = n
		}
	}
}

// WithKeepAlive sets the comment-ping interval on idle streams.
func WithKeepAlive(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.keepAlive = d
		}
	}
}

// Broker fans events out to connected surfaces.
//
// A single loop goroutine owns the client set, the sequence counter and the
// replay window. Public methods talk to it through channels.
type Broker struct {
	subscribeCh   chan *subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	countReqCh    chan chan int

	history   int
	keepAlive time.Duration

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker and starts its loop.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		subscribeCh:   make(chan *subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		history:       defaultHistory,
		keepAlive:     defaultKeepAlive,
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]*subscription)
	ring := make([]frame, 0, b.history)
	var seq uint64

	deliver := func(s *subscription, f frame) {
		if !s.wants(f.kind) {
			return
		}
		select {
		case s.ch <- f.raw:
		default:
			// slow surface; it can catch up with Last-Event-ID
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case s := <-b.subscribeCh:
			clients[s.ch] = s
			if s.after > 0 {
				for _, f := range ring {
					if f.id > s.after {
						deliver(s, f)
					}
				}
			}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			payload, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			seq++
			f := frame{
				id:   seq,
				kind: ev.Type,
				raw:  []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, payload)),
			}
			if !ev.Transient && b.history > 0 {
				if len(ring) == b.history {
					copy(ring, ring[1:])
					ring = ring[:len(ring)-1]
				}
				ring = append(ring, f)
			}
			for _, s := range clients {
				deliver(s, f)
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the loop and closes every client channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client. kinds limits delivery to those event types (all
// when empty); frames newer than after are replayed from the window.
func (b *Broker) Subscribe(kinds []string, after uint64) chan []byte {
	s := &subscription{ch: make(chan []byte, clientBuffer), after: after}
	if len(kinds) > 0 {
		s.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	if b.closed.Load() {
		close(s.ch)
		return s.ch
	}

	select {
	case b.subscribeCh <- s:
	case <-b.stopped:
		close(s.ch)
	}
	return s.ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish queues an event for every matching client.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// Attach forwards every bus event. Timer ticks go out as transient frames:
// surfaces render the study clock from them, but a reconnect only needs the
// latest timer.state. The returned function detaches the broker.
func (b *Broker) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.All, func(e events.Event) {
		b.Publish(Event{
			Type:      string(e.Kind),
			Data:      e.Data,
			Transient: e.Kind == events.TimerTick,
		})
	})
}

// lastEventID reads the resume point from the header the browser sends on
// reconnect, or from a query parameter for clients that cannot set headers.
func lastEventID(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func kindsFilter(r *http.Request) []string {
	raw := r.URL.Query().Get("kinds")
	if raw == "" {
		return nil
	}
	var out []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// ServeHTTP is the SSE endpoint (GET /api/events[?kinds=a,b]).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "retry: %d\n\n", retryMs)
	flusher.Flush()

	ch := b.Subscribe(kindsFilter(r), lastEventID(r))
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.keepAlive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
