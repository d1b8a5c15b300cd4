package audit

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// collectSink records every emitted event.
type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectSink) Emit(_ context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *collectSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// blockingSink holds every Emit until released.
type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Emit(context.Context, Event) { <-s.release }

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &collectSink{})
	if d != nil {
		t.Fatal("disabled dispatcher is not nil")
	}

	// The nil dispatcher absorbs every call.
	d.Emit(context.Background(), Event{EventType: "login_success"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestEventsReachSink(t *testing.T) {
	sink := &collectSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)

	d.Emit(context.Background(), Event{EventType: "login_success", UserID: "u-1", Success: true})
	d.Emit(context.Background(), Event{EventType: "login_failure", Error: "invalid credentials"})
	d.Close()

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != "login_success" || !events[0].Success {
		t.Fatalf("first event wrong: %+v", events[0])
	}
	if events[1].Error != "invalid credentials" {
		t.Fatalf("second event wrong: %+v", events[1])
	}
}

func TestCloseDrainsBuffer(t *testing.T) {
	sink := &collectSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 64}, sink)

	for i := 0; i < 20; i++ {
		d.Emit(context.Background(), Event{EventType: "login_success"})
	}
	d.Close()

	if got := len(sink.snapshot()); got != 20 {
		t.Fatalf("expected all 20 buffered events delivered on close, got %d", got)
	}
}

func TestEmitAfterCloseIsIgnored(t *testing.T) {
	sink := &collectSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink)
	d.Close()

	d.Emit(context.Background(), Event{EventType: "login_success"})
	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("expected no events after close, got %d", got)
	}
}

func TestDropIfFullCountsDrops(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// First event occupies the worker, second fills the buffer, the rest
	// must drop rather than block the caller.
	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{EventType: "login_failure"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.Dropped() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.Dropped() < 3 {
		t.Fatalf("expected at least 3 drops, got %d", d.Dropped())
	}

	close(sink.release)
	d.Close()
}

func TestBlockingEmitHonorsContext(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: false}, sink)
	defer func() {
		close(sink.release)
		d.Close()
	}()

	d.Emit(context.Background(), Event{EventType: "login_failure"})
	d.Emit(context.Background(), Event{EventType: "login_failure"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Emit(ctx, Event{EventType: "login_failure"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit did not return after context cancellation")
	}
}

func TestJSONWriterSinkEmitsOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), Event{
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		EventType: "login_success",
		UserID:    "u-1",
		Success:   true,
		Metadata:  map[string]string{"factor": "totp"},
	})
	sink.Emit(context.Background(), Event{EventType: "login_failure", Error: "invalid credentials"})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"event_type":"login_success"`) ||
		!strings.Contains(lines[0], `"factor":"totp"`) {
		t.Fatalf("first line missing fields: %s", lines[0])
	}
	if strings.Contains(lines[1], "user_id") {
		t.Fatalf("empty optional field serialized: %s", lines[1])
	}
}

func TestChannelSink(t *testing.T) {
	sink := NewChannelSink(2)
	sink.Emit(context.Background(), Event{EventType: "login_success"})

	select {
	case event := <-sink.Events():
		if event.EventType != "login_success" {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatal("no event in channel")
	}

	// A full channel respects context cancellation instead of blocking.
	sink.Emit(context.Background(), Event{EventType: "a"})
	sink.Emit(context.Background(), Event{EventType: "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Emit(ctx, Event{EventType: "c"})
}
