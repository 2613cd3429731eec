package runstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/overtone-labs/overtone/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenDisabled(t *testing.T) {
	s, err := Open(context.Background(), config.RunStoreConfig{}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// every write is a no-op without a path
	if err := s.BeginRun(context.Background(), Run{RunID: "r1", BookID: "b1"}); err != nil {
		t.Fatalf("begin run on disabled store: %v", err)
	}
	warnings, err := s.ListWarnings(context.Background(), "r1", 10)
	if err != nil || warnings != nil {
		t.Fatalf("disabled store should return nothing, got %v, %v", warnings, err)
	}
}

func TestRunLifecycle(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.RunStoreConfig{Path: filepath.Join(tmp, "runs.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open run store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	run := Run{RunID: "run-1", BookID: "mobydick", Engine: "azure", Voice: "en-US-AvaMultilingualNeural", Lang: "en-US"}
	if err := s.BeginRun(context.Background(), run); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := s.RecordChapter(context.Background(), ChapterRecord{
		RunID: "run-1", Index: 0, Title: "Loomings", Status: StatusCompleted,
		Chunks: 4, Sentences: 120, Degraded: 3, Duration: 95 * time.Second,
	}); err != nil {
		t.Fatalf("record chapter: %v", err)
	}
	if err := s.RecordWarning(context.Background(), Warning{
		RunID: "run-1", ChapterIdx: 0, SentenceID: "s00042", Kind: "degraded", Detail: "interpolated from neighbors",
	}); err != nil {
		t.Fatalf("record warning: %v", err)
	}
	if err := s.FinishRun(context.Background(), "run-1", StatusCompleted); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	got, err := s.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != StatusCompleted || got.BookID != "mobydick" {
		t.Fatalf("unexpected run: %+v", got)
	}

	warnings, err := s.ListWarnings(context.Background(), "run-1", 10)
	if err != nil {
		t.Fatalf("list warnings: %v", err)
	}
	if len(warnings) != 1 || warnings[0].SentenceID != "s00042" {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}

	degraded, err := s.DegradedCount(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("degraded count: %v", err)
	}
	if degraded != 3 {
		t.Fatalf("degraded = %d, want 3", degraded)
	}
}

func TestRecordChapterUpsert(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.RunStoreConfig{Path: filepath.Join(tmp, "runs.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open run store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.BeginRun(context.Background(), Run{RunID: "run-1", BookID: "b"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	rec := ChapterRecord{RunID: "run-1", Index: 2, Status: StatusFailed, Error: "synthesis failed"}
	if err := s.RecordChapter(context.Background(), rec); err != nil {
		t.Fatalf("record chapter: %v", err)
	}
	rec.Status = StatusCompleted
	rec.Error = ""
	rec.Degraded = 1
	if err := s.RecordChapter(context.Background(), rec); err != nil {
		t.Fatalf("re-record chapter: %v", err)
	}
	degraded, err := s.DegradedCount(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("degraded count: %v", err)
	}
	if degraded != 1 {
		t.Fatalf("degraded = %d, want 1 after upsert", degraded)
	}
}

func TestPruneByDaysAndRuns(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.RunStoreConfig{Path: filepath.Join(tmp, "runs.db"), RetentionDays: 1, MaxRuns: 1}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open run store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.BeginRun(context.Background(), Run{RunID: "old", BookID: "b"}); err != nil {
		t.Fatalf("begin old run: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.BeginRun(context.Background(), Run{RunID: "new", BookID: "b"}); err != nil {
		t.Fatalf("begin new run: %v", err)
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := s.GetRun(context.Background(), "old"); err == nil {
		t.Fatalf("old run should have been pruned")
	}
	if _, err := s.GetRun(context.Background(), "new"); err != nil {
		t.Fatalf("new run should survive prune: %v", err)
	}
}
