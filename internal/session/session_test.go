package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/easel-dev/easel/internal/model"
	"github.com/easel-dev/easel/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(buffer int) *session.Registry {
	return session.NewRegistry(buffer, testLogger())
}

func TestRegisterAllocatesDistinctSessions(t *testing.T) {
	reg := newTestRegistry(0)

	a := reg.Register()
	b := reg.Register()
	if a == b {
		t.Fatalf("two registrations produced the same id %q", a)
	}
	if reg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", reg.Len())
	}
}

func TestSendAndReceive(t *testing.T) {
	reg := newTestRegistry(4)
	id := reg.Register()

	ch, err := reg.Events(id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	if !reg.Send(id, model.Event{Type: model.EventProgress, Value: 5, Max: 20}) {
		t.Fatal("Send to a fresh session returned false")
	}

	select {
	case ev := <-ch:
		if ev.Type != model.EventProgress || ev.Value != 5 {
			t.Errorf("received %+v, want progress 5/20", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSendUnknownSession(t *testing.T) {
	reg := newTestRegistry(0)
	if reg.Send("nope", model.Event{Type: model.EventProgress}) {
		t.Error("Send to unknown session returned true")
	}
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	reg := newTestRegistry(2)
	id := reg.Register()

	for i := 0; i < 2; i++ {
		if !reg.Send(id, model.Event{Type: model.EventProgress, Value: i}) {
			t.Fatalf("Send %d with free buffer returned false", i)
		}
	}
	if reg.Send(id, model.Event{Type: model.EventProgress, Value: 2}) {
		t.Error("Send with full buffer returned true")
	}
	if got := reg.Dropped(id); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

// A full buffer delays a Deliver but never loses the event: once the
// consumer drains, the delivery lands.
func TestDeliverWaitsForBufferSpace(t *testing.T) {
	reg := newTestRegistry(1)
	id := reg.Register()
	ch, err := reg.Events(id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	if !reg.Send(id, model.Event{Type: model.EventProgress}) {
		t.Fatal("fill Send returned false")
	}

	delivered := make(chan error, 1)
	go func() {
		delivered <- reg.Deliver(context.Background(), id, model.Event{Type: model.EventResult, JobID: "J1"})
	}()

	select {
	case err := <-delivered:
		t.Fatalf("Deliver returned %v before buffer was drained", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Drain the progress event; the pending terminal delivery should land.
	<-ch
	select {
	case err := <-delivered:
		if err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Deliver did not complete after buffer drained")
	}

	select {
	case ev := <-ch:
		if ev.Type != model.EventResult || ev.JobID != "J1" {
			t.Errorf("received %+v, want the delivered result event", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered event")
	}
}

func TestDeliverUnblocksOnClose(t *testing.T) {
	reg := newTestRegistry(1)
	id := reg.Register()
	reg.Send(id, model.Event{Type: model.EventProgress})

	delivered := make(chan error, 1)
	go func() {
		delivered <- reg.Deliver(context.Background(), id, model.Event{Type: model.EventResult})
	}()

	time.Sleep(20 * time.Millisecond)
	reg.Close(id)

	select {
	case err := <-delivered:
		if !errors.Is(err, session.ErrSessionClosed) && !errors.Is(err, session.ErrUnknownSession) {
			t.Errorf("Deliver after close = %v, want session-gone error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Deliver did not return after Close")
	}
}

func TestDeliverHonorsContext(t *testing.T) {
	reg := newTestRegistry(1)
	id := reg.Register()
	reg.Send(id, model.Event{Type: model.EventProgress})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := reg.Deliver(ctx, id, model.Event{Type: model.EventResult})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Deliver = %v, want context.DeadlineExceeded", err)
	}
}

func TestCloseIsIdempotentAndFlushes(t *testing.T) {
	reg := newTestRegistry(4)
	id := reg.Register()
	ch, err := reg.Events(id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	reg.Send(id, model.Event{Type: model.EventProgress, Value: 1})
	reg.Send(id, model.Event{Type: model.EventProgress, Value: 2})

	reg.Close(id)
	reg.Close(id)

	// Buffered events stay drainable after close, then the channel ends.
	var got []int
	for ev := range ch {
		got = append(got, ev.Value)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("drained %v after close, want [1 2]", got)
	}

	if reg.Send(id, model.Event{Type: model.EventProgress}) {
		t.Error("Send to a closed session returned true")
	}
	if reg.Len() != 0 {
		t.Errorf("Len() after close = %d, want 0", reg.Len())
	}
}

func TestTouchRefreshesActivity(t *testing.T) {
	reg := newTestRegistry(0)
	id := reg.Register()

	before, ok := reg.LastActive(id)
	if !ok {
		t.Fatal("LastActive: session missing")
	}
	time.Sleep(10 * time.Millisecond)
	if !reg.Touch(id) {
		t.Fatal("Touch returned false for a live session")
	}
	after, _ := reg.LastActive(id)
	if !after.After(before) {
		t.Errorf("LastActive did not advance: before=%v after=%v", before, after)
	}
	if reg.Touch("missing") {
		t.Error("Touch returned true for an unknown session")
	}
}

func TestReaperClosesIdleSessions(t *testing.T) {
	reg := newTestRegistry(0)
	idle := reg.Register()
	busy := reg.Register()

	reaper := session.NewReaper(reg, 30*time.Millisecond, time.Minute, testLogger())

	time.Sleep(50 * time.Millisecond)
	reg.Touch(busy)

	if reaped := reaper.Sweep(); reaped != 1 {
		t.Fatalf("Sweep reaped %d sessions, want 1", reaped)
	}
	if _, ok := reg.LastActive(idle); ok {
		t.Error("idle session still registered after sweep")
	}
	if _, ok := reg.LastActive(busy); !ok {
		t.Error("recently touched session was reaped")
	}

	// A reaped session no longer accepts deliveries.
	if reg.Send(idle, model.Event{Type: model.EventProgress}) {
		t.Error("Send to reaped session returned true")
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	reg := newTestRegistry(0)
	reaper := session.NewReaper(reg, time.Minute, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
