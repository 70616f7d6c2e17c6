package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicenav/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "history.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.BeginSession(ctx, "s", "en-IN", "home"); err != nil {
		t.Fatalf("begin on ephemeral store: %v", err)
	}
	if err := es.Append(ctx, Interaction{SessionID: "s", Kind: KindTranscript}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	got, err := es.ListSession(ctx, "s", 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("ephemeral store returned %v, %v", got, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.BeginSession(ctx, "session-123", "hi-IN", "home"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for _, in := range []Interaction{
		{SessionID: "session-123", Kind: KindTranscript, Page: "home", Text: "go to crop"},
		{SessionID: "session-123", Kind: KindOutcome, Page: "home", Text: "go to crop", Detail: []byte(`{"kind":"navigate"}`)},
	} {
		if err := es.Append(ctx, in); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := es.EndSession(ctx, "session-123"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	got, err := es.ListSession(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 interactions, got %d", len(got))
	}
	if got[0].Kind != KindTranscript || got[1].Kind != KindOutcome {
		t.Fatalf("unexpected order: %+v", got)
	}
	if string(got[1].Detail) != `{"kind":"navigate"}` {
		t.Fatalf("unexpected detail: %s", got[1].Detail)
	}

	sessions, err := es.RecentSessions(ctx, 5)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.Language != "hi-IN" || s.Interactions != 2 || s.EndedAt.IsZero() {
		t.Fatalf("unexpected session summary: %+v", s)
	}
}

func TestAppendRequiresSession(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.Append(context.Background(), Interaction{Kind: KindError}); err == nil {
		t.Fatalf("expected error for interaction without session id")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "old-session", "en-IN", "home"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Append(ctx, Interaction{SessionID: "old-session", Kind: KindTranscript, Text: "dashboard"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "new-session", "en-IN", "home"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	got, err := es.ListSession(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("unexpected sessions after prune: %+v", sessions)
	}
}
