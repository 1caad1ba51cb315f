package audit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voiceprint/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.AuditConfig{RetentionMode: "ephemeral"}
	st, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := st.AppendRequest(ctx, "r1", "extract"); err != nil {
		t.Fatalf("append request: %v", err)
	}
	events, err := st.ListRequestEvents(ctx, "r1", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events in ephemeral mode, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.AuditConfig{Path: filepath.Join(tmp, "audit.db"), RetentionMode: "session", VacuumOnStart: true}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if err := st.AppendRequest(ctx, "req-123", "prove"); err != nil {
		t.Fatalf("append request: %v", err)
	}
	if err := st.AppendEvent(ctx, Event{RequestID: "req-123", Type: "request.start", Stage: "idle"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := st.AppendEvent(ctx, Event{
		RequestID: "req-123",
		Type:      "request.failed",
		Stage:     "threshold_checked",
		Outcome:   "error",
		Code:      "PROOF_GENERATION_ERROR",
		Payload:   []byte(`{"hammingDistance":129}`),
	}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	events, err := st.ListRequestEvents(ctx, "req-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	last := events[1]
	if last.Operation != "prove" || last.Code != "PROOF_GENERATION_ERROR" || last.Stage != "threshold_checked" {
		t.Fatalf("unexpected event %+v", last)
	}
	if string(last.Payload) != `{"hammingDistance":129}` {
		t.Fatalf("unexpected payload: %s", last.Payload)
	}
	if last.CreatedAt.IsZero() {
		t.Fatal("expected timestamp")
	}
}

func TestPruneByDaysAndRequests(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.AuditConfig{Path: filepath.Join(tmp, "audit.db"), RetentionMode: "persistent", RetentionDays: 1, MaxRequests: 1}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	st.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := st.AppendRequest(ctx, "old", "extract"); err != nil {
		t.Fatalf("append request: %v", err)
	}
	if err := st.AppendEvent(ctx, Event{RequestID: "old", Type: "request.complete"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	st.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid", "new"} {
		if err := st.AppendRequest(ctx, id, "commit"); err != nil {
			t.Fatalf("append request: %v", err)
		}
		if err := st.AppendEvent(ctx, Event{RequestID: id, Type: "request.complete"}); err != nil {
			t.Fatalf("append event: %v", err)
		}
		st.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 1, 0, time.UTC) }
	}
	if err := st.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	for id, want := range map[string]int{"old": 0, "mid": 0, "new": 1} {
		events, err := st.ListRequestEvents(ctx, id, 10)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		if len(events) != want {
			t.Fatalf("request %s: expected %d events, got %d", id, want, len(events))
		}
	}
}
