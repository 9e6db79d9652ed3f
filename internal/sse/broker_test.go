package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/kioku/internal/events"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe(nil, 0)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch := b.Subscribe(nil, 0)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "cue.changed", Data: map[string]string{"text": "a"}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: cue.changed") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"text":"a"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestAttachForwardsBusEvents(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	bus := events.NewBus()
	detach := b.Attach(bus)
	ch := b.Subscribe(nil, 0)
	defer b.Unsubscribe(ch)

	bus.Publish(events.OffsetChanged, map[string]int{"offset_ms": 500})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: offset.changed") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"offset_ms":500`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	detach()
	if bus.Count(events.All) != 0 {
		t.Errorf("broker still subscribed after detach")
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	// Start handler in background.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.Publish(Event{Type: "timer.state", Data: map[string]string{"state": "running"}})
	time.Sleep(50 * time.Millisecond)

	// Cancel context to disconnect.
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: timer.state") {
		t.Errorf("handler output missing event: %q", body)
	}

	// Client should be cleaned up.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch := b.Subscribe(nil, 0)
	defer b.Unsubscribe(ch)

	// Fill buffer (capacity 64) and then one more should not block.
	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
	// If we reach here without deadlock, the test passes.
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(nil, 0)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-op after close.
	b.Publish(Event{Type: "timer.state", Data: map[string]string{"state": "running"}})
}

func recv(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case msg := <-ch:
		return string(msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return ""
	}
}

func TestFramesCarrySequenceIDs(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch := b.Subscribe(nil, 0)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "a", Data: 1})
	b.Publish(Event{Type: "b", Data: 2})

	if got := recv(t, ch); !strings.HasPrefix(got, "id: 1\nevent: a\n") {
		t.Errorf("first frame = %q", got)
	}
	if got := recv(t, ch); !strings.HasPrefix(got, "id: 2\nevent: b\n") {
		t.Errorf("second frame = %q", got)
	}
}

func TestReplayAfterLastEventID(t *testing.T) {
	b := NewBroker(WithHistory(2))
	defer b.Close()
	live := b.Subscribe(nil, 0)
	for i := 1; i <= 3; i++ {
		b.Publish(Event{Type: "offset.changed", Data: map[string]int{"offset_ms": i * 100}})
	}
	for i := 0; i < 3; i++ {
		recv(t, live)
	}
	b.Unsubscribe(live)

	// Window holds frames 2 and 3; a client that saw 1 gets both.
	ch := b.Subscribe(nil, 1)
	defer b.Unsubscribe(ch)
	if got := recv(t, ch); !strings.Contains(got, "id: 2\n") {
		t.Errorf("replayed = %q, want id 2", got)
	}
	if got := recv(t, ch); !strings.Contains(got, `"offset_ms":300`) {
		t.Errorf("replayed = %q, want offset 300", got)
	}
}

func TestTransientFramesAreNotReplayed(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	bus := events.NewBus()
	defer b.Attach(bus)()

	live := b.Subscribe(nil, 0)
	bus.Publish(events.TimerState, map[string]string{"state": "running"})
	bus.Publish(events.TimerTick, map[string]float64{"elapsed": 1})
	bus.Publish(events.TimerState, map[string]string{"state": "paused"})
	for i := 0; i < 3; i++ {
		recv(t, live)
	}
	b.Unsubscribe(live)

	ch := b.Subscribe(nil, 1)
	defer b.Unsubscribe(ch)
	got := recv(t, ch)
	if !strings.HasPrefix(got, "id: 3\nevent: timer.state\n") {
		t.Errorf("replayed = %q, want frame 3 (tick skipped)", got)
	}
}

func TestKindsFilter(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch := b.Subscribe([]string{"cue.changed"}, 0)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "timer.tick", Data: 1})
	b.Publish(Event{Type: "cue.changed", Data: map[string]string{"text": "b"}})

	if got := recv(t, ch); !strings.Contains(got, "event: cue.changed") {
		t.Errorf("filtered stream got %q", got)
	}
}

func TestServeHTTPResumesFromHeader(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	live := b.Subscribe(nil, 0)
	b.Publish(Event{Type: "track.loaded", Data: map[string]string{"name": "ep1.srt"}})
	b.Publish(Event{Type: "offset.changed", Data: map[string]int{"offset_ms": 250}})
	recv(t, live)
	recv(t, live)
	b.Unsubscribe(live)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.HasPrefix(body, "retry: 3000\n\n") {
		t.Errorf("body does not start with retry hint: %q", body)
	}
	if strings.Contains(body, "track.loaded") {
		t.Errorf("frame 1 replayed: %q", body)
	}
	if !strings.Contains(body, `"offset_ms":250`) {
		t.Errorf("frame 2 not replayed: %q", body)
	}
}
