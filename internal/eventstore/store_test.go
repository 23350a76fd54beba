package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.BeginSession(ctx, "s", "bus", 16000); err != nil {
		t.Fatalf("ephemeral begin should be a no-op: %v", err)
	}
	if err := es.AppendTranscript(ctx, Transcript{SessionID: "s", Text: "hello"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	got, err := es.ListTranscripts(ctx, "s", 10)
	if err != nil || got != nil {
		t.Fatalf("expected nothing from ephemeral store, got %v %v", got, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "stt.db"), RetentionMode: "session"}
	ctx := context.Background()
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "session-123"
	if err := es.BeginSession(ctx, sessionID, "websocket", 8000); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	words := []protocol.Word{
		{Word: "hello", Start: 0, End: 0.4, Confidence: 1},
		{Word: "world", Start: 0.5, End: 0.9, Confidence: 0.8},
	}
	if err := es.AppendTranscript(ctx, Transcript{SessionID: sessionID, Utterance: 1, Text: "stop"}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}
	if err := es.AppendTranscript(ctx, Transcript{SessionID: sessionID, Utterance: 0, Text: "hello world", Words: words, AudioStart: 0, AudioEnd: 0.9}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}
	got, err := es.ListTranscripts(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(got))
	}
	if got[0].Text != "hello world" || got[1].Text != "stop" {
		t.Fatalf("expected utterance order, got %q then %q", got[0].Text, got[1].Text)
	}
	if len(got[0].Words) != 2 || got[0].Words[1].Confidence != 0.8 {
		t.Fatalf("unexpected words: %+v", got[0].Words)
	}
	if got[0].AudioEnd != 0.9 {
		t.Fatalf("expected audio end 0.9, got %v", got[0].AudioEnd)
	}

	if err := es.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	rec, ok, err := es.Session(ctx, sessionID)
	if err != nil || !ok {
		t.Fatalf("session lookup: %v %v", ok, err)
	}
	if rec.Source != "websocket" || rec.SampleRate != 8000 || rec.EndedAt.IsZero() {
		t.Fatalf("unexpected session record: %+v", rec)
	}
	if _, ok, _ := es.Session(ctx, "missing"); ok {
		t.Fatal("expected missing session")
	}
}

func TestAppendRequiresSession(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "stt.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.AppendTranscript(context.Background(), Transcript{SessionID: "nobody", Text: "x"}); err == nil {
		t.Fatal("expected foreign key failure for unknown session")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "stt.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	ctx := context.Background()
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "old-session", "bus", 16000); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendTranscript(ctx, Transcript{SessionID: "old-session", Text: "yes"}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "new-session", "bus", 16000); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	got, err := es.ListTranscripts(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, ok, _ := es.Session(ctx, "new-session"); !ok {
		t.Fatal("expected new session kept")
	}
}
