package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestRecorderFansOutAndSwallowsErrors(t *testing.T) {
	good := &memSink{}
	bad := &memSink{err: errors.New("db down")}
	r := NewRecorder(nil, bad, good)
	if !r.Enabled() {
		t.Fatal("recorder with sinks should be enabled")
	}

	r.Record(context.Background(), Event{Type: EventStart, Record: Record{Service: "webserver", PID: 10, Status: "running"}})

	if len(good.events) != 1 {
		t.Fatalf("expected 1 event in good sink, got %d", len(good.events))
	}
	if good.events[0].OccurredAt.IsZero() {
		t.Fatal("OccurredAt should be filled in")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !good.closed || !bad.closed {
		t.Fatal("all closers should be closed")
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	if r.Enabled() {
		t.Fatal("nil recorder must be disabled")
	}
	r.Record(context.Background(), Event{Type: EventStop, OccurredAt: time.Now()})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
