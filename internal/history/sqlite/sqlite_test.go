package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/consolr/internal/history"
)

func TestSQLiteSink_StartAndExit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
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
	started := time.Now().Add(-time.Minute).UTC()
	rec := history.Record{ServerID: "srv-1", Name: "alpha", PID: 4242, StartedAt: started}

	if err := sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: started, Record: rec}); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	exited := time.Now().UTC()
	code := 0
	rec.ExitedAt = &exited
	rec.ExitCode = &code
	rec.Reason = "exit status 0"
	if err := sink.Send(ctx, history.Event{Type: history.EventExit, OccurredAt: exited, Record: rec}); err != nil {
		t.Fatalf("Failed to send exit event: %v", err)
	}

	for typ, want := range map[history.EventType]int{history.EventStart: 1, history.EventExit: 1, history.EventStop: 0} {
		n, err := sink.Count(ctx, "srv-1", typ)
		if err != nil {
			t.Fatalf("count %s: %v", typ, err)
		}
		if n != want {
			t.Errorf("count %s = %d, want %d", typ, n, want)
		}
	}
}

func TestSQLiteSink_InMemorySpawnFailure(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	now := time.Now()
	e := history.Event{
		Type:       history.EventSpawnFailed,
		OccurredAt: now,
		Record:     history.Record{ServerID: "x", Name: "x", ExitedAt: &now, Reason: "no such file or directory"},
	}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n, _ := sink.Count(context.Background(), "x", history.EventSpawnFailed); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
