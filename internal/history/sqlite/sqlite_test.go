package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/svconsole/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: history.Record{Service: "webserver", PID: 12345, Status: "running"}},
		{Type: history.EventStop, OccurredAt: time.Now().UTC(), Record: history.Record{Service: "webserver", Status: "stopped"}},
		{Type: history.EventError, OccurredAt: time.Now().UTC(), Record: history.Record{Service: "extract", Status: "error", Error: "port 8001 in use"}},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	n, err := sink.Count(ctx, "webserver")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 webserver events, got %d", n)
	}

	var errText string
	if err := sink.db.QueryRowContext(ctx, `SELECT error FROM service_history WHERE service = 'extract'`).Scan(&errText); err != nil {
		t.Fatalf("query error column: %v", err)
	}
	if errText != "port 8001 in use" {
		t.Fatalf("unexpected error text %q", errText)
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	if err := sink.Send(ctx, history.Event{Type: history.EventAdopt, OccurredAt: time.Now(), Record: history.Record{Service: "task", PID: 3, Status: "running"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := sink.Count(ctx, "")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 row, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
