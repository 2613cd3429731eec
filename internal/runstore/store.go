// Package runstore persists a ledger of narration runs in SQLite: which
// chapters were produced, how long they ran, and every warning the
// pipeline raised along the way. The CLI reads it back for run summaries
// and the daemon serves it over the status endpoint.
package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/overtone-labs/overtone/internal/config"
	_ "modernc.org/sqlite"
)

// Run is one invocation of the pipeline over a book.
type Run struct {
	RunID      string
	BookID     string
	Engine     string
	Voice      string
	Lang       string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ChapterRecord summarizes one processed chapter.
type ChapterRecord struct {
	RunID     string
	Index     int
	Title     string
	Status    string
	Chunks    int
	Sentences int
	Degraded  int
	Duration  time.Duration
	Error     string
}

// Warning is a non-fatal pipeline finding tied to a sentence or chunk.
type Warning struct {
	RunID      string
	ChapterIdx int
	SentenceID string
	Kind       string
	Detail     string
	CreatedAt  time.Time
}

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// Store wraps the SQLite-backed run ledger. A Store with an empty path is
// a no-op so callers never need to branch on persistence being enabled.
type Store struct {
	db    *sql.DB
	cfg   config.RunStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the run ledger according to config.
func Open(ctx context.Context, cfg config.RunStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("run store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("run store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    book_id TEXT NOT NULL,
    engine TEXT,
    voice TEXT,
    lang TEXT,
    status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS chapters (
    run_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    title TEXT,
    status TEXT NOT NULL,
    chunks INTEGER,
    sentences INTEGER,
    degraded INTEGER,
    duration_ms INTEGER,
    error TEXT,
    PRIMARY KEY(run_id, idx),
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS warnings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    chapter_idx INTEGER,
    sentence_id TEXT,
    kind TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_warnings_run ON warnings(run_id, chapter_idx);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun records the start of a pipeline invocation.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, book_id, engine, voice, lang, status, started_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.BookID, run.Engine, run.Voice, run.Lang, StatusRunning, s.clock().UTC())
	return err
}

// FinishRun closes out a run with its terminal status.
func (s *Store) FinishRun(ctx context.Context, runID, status string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		status, s.clock().UTC(), runID)
	return err
}

// RecordChapter upserts the outcome of one chapter.
func (s *Store) RecordChapter(ctx context.Context, rec ChapterRecord) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chapters(run_id, idx, title, status, chunks, sentences, degraded, duration_ms, error)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, idx) DO UPDATE SET
		   status=excluded.status, chunks=excluded.chunks, sentences=excluded.sentences,
		   degraded=excluded.degraded, duration_ms=excluded.duration_ms, error=excluded.error`,
		rec.RunID, rec.Index, rec.Title, rec.Status, rec.Chunks, rec.Sentences,
		rec.Degraded, rec.Duration.Milliseconds(), rec.Error)
	return err
}

// RecordWarning appends one warning to the ledger.
func (s *Store) RecordWarning(ctx context.Context, w Warning) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO warnings(run_id, chapter_idx, sentence_id, kind, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		w.RunID, w.ChapterIdx, w.SentenceID, w.Kind, w.Detail, s.clock().UTC())
	return err
}

// ListWarnings retrieves up to limit warnings for a run in insertion order.
func (s *Store) ListWarnings(ctx context.Context, runID string, limit int) ([]Warning, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, chapter_idx, sentence_id, kind, detail, created_at
		 FROM warnings WHERE run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var warnings []Warning
	for rows.Next() {
		var w Warning
		var created string
		if err := rows.Scan(&w.RunID, &w.ChapterIdx, &w.SentenceID, &w.Kind, &w.Detail, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			w.CreatedAt = ts
		}
		warnings = append(warnings, w)
	}
	return warnings, rows.Err()
}

// DegradedCount reports how many sentences across a run fell back to
// interpolated timing.
func (s *Store) DegradedCount(ctx context.Context, runID string) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(degraded), 0) FROM chapters WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

// GetRun loads one run row.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	if s.db == nil {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, book_id, engine, voice, lang, status, started_at, COALESCE(finished_at, '')
		 FROM runs WHERE run_id = ?`, runID)
	var r Run
	var started, finished string
	if err := row.Scan(&r.RunID, &r.BookID, &r.Engine, &r.Voice, &r.Lang, &r.Status, &started, &finished); err != nil {
		return nil, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
		r.StartedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, finished); err == nil {
		r.FinishedAt = ts
	}
	return &r, nil
}

// Prune applies configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
