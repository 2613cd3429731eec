package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/overtone-labs/overtone/internal/config"
	"github.com/overtone-labs/overtone/internal/runstore"
	"github.com/overtone-labs/overtone/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	cfg.TTS.Engine = "mock"
	cfg.RunStore.Path = ""
	return cfg
}

func testStore(t *testing.T) *runstore.Store {
	s, err := runstore.Open(context.Background(), config.RunStoreConfig{}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// wordEngine speaks each whitespace word at a fixed cadence and returns
// the request text itself as the audio bytes, so output files reveal
// concatenation order.
func wordEngine() tts.SynthFunc {
	return func(ctx context.Context, req tts.Request) (*tts.Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		words := strings.Fields(req.Text)
		res := &tts.Result{Audio: []byte(req.Text)}
		const step = 300 * time.Millisecond
		for i, w := range words {
			res.Boundaries = append(res.Boundaries, tts.Boundary{
				Text:  w,
				Start: time.Duration(i) * step,
				End:   time.Duration(i+1) * step,
			})
		}
		res.Duration = time.Duration(len(words)) * step
		return res, nil
	}
}

func TestRunProducesChapterOutputs(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.ChunkLen = 20 // force several chunks per chapter
	p := New(cfg, wordEngine(), testStore(t), nil, newLogger())

	text := "Hello world. This is a longer test chapter. It has several sentences to narrate."
	result, err := p.Run(context.Background(), "mobydick", []Chapter{
		{Index: 0, Title: "Loomings", TextHref: "ch1.xhtml", Text: text},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != runstore.StatusCompleted {
		t.Fatalf("status = %q", result.Status)
	}
	if len(result.Chapters) != 1 {
		t.Fatalf("got %d chapter results", len(result.Chapters))
	}
	ch := result.Chapters[0]
	if ch.Chunks < 2 {
		t.Fatalf("expected several chunks, got %d", ch.Chunks)
	}

	// chapter audio is chunk audio concatenated in chunk order
	data, err := os.ReadFile(ch.AudioPath)
	if err != nil {
		t.Fatalf("read chapter audio: %v", err)
	}
	if string(data) != text {
		t.Fatalf("chapter audio out of order:\n%q", data)
	}

	doc, err := os.ReadFile(ch.SMILPath)
	if err != nil {
		t.Fatalf("read overlay: %v", err)
	}
	for _, want := range []string{"s00001", `<text src="ch1.xhtml#`, `clipBegin="0:00:00.000"`} {
		if !strings.Contains(string(doc), want) {
			t.Fatalf("overlay missing %q:\n%s", want, doc)
		}
	}

	meta, err := os.ReadFile(filepath.Join(cfg.OutputDir, "mobydick_aud1.meta.json"))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if !strings.Contains(string(meta), `"book_id": "mobydick"`) {
		t.Fatalf("metadata content:\n%s", meta)
	}

	// part files kept without cleanup
	parts, _ := filepath.Glob(filepath.Join(cfg.OutputDir, "mobydick_aud1.part*.mp3"))
	if len(parts) != ch.Chunks {
		t.Fatalf("got %d part files, want %d", len(parts), ch.Chunks)
	}
}

func TestRunCleanupRemovesPartFiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.ChunkLen = 20
	cfg.Pipeline.Cleanup = true
	p := New(cfg, wordEngine(), testStore(t), nil, newLogger())

	_, err := p.Run(context.Background(), "book", []Chapter{
		{Index: 0, Title: "One", Text: "First sentence here. Second sentence follows. Third one ends it."},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	parts, _ := filepath.Glob(filepath.Join(cfg.OutputDir, "book_aud1.part*.mp3"))
	if len(parts) != 0 {
		t.Fatalf("part files should be removed: %v", parts)
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "book_aud1.mp3")); err != nil {
		t.Fatalf("chapter audio missing: %v", err)
	}
}

func TestRunRetriesTransientErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.ChunkLen = 20

	var mu sync.Mutex
	attempts := map[string]int{}
	inner := wordEngine()
	engine := tts.SynthFunc(func(ctx context.Context, req tts.Request) (*tts.Result, error) {
		mu.Lock()
		attempts[req.Text]++
		n := attempts[req.Text]
		mu.Unlock()
		if strings.Contains(req.Text, "flaky") && n == 1 {
			return nil, errors.New("upstream hiccup")
		}
		return inner(ctx, req)
	})

	p := New(cfg, engine, testStore(t), nil, newLogger())
	text := "A steady sentence. This flaky one fails once. A final sentence."
	result, err := p.Run(context.Background(), "book", []Chapter{{Index: 0, Title: "One", Text: text}})
	if err != nil {
		t.Fatalf("Run should recover from a transient error: %v", err)
	}
	if result.Status != runstore.StatusCompleted {
		t.Fatalf("status = %q", result.Status)
	}
	data, err := os.ReadFile(result.Chapters[0].AudioPath)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if string(data) != text {
		t.Fatalf("audio after retry out of order:\n%q", data)
	}

	mu.Lock()
	defer mu.Unlock()
	for reqText, n := range attempts {
		if strings.Contains(reqText, "flaky") && n != 2 {
			t.Fatalf("flaky chunk attempted %d times, want 2", n)
		}
	}
}

func TestRunAbortsOnFatalError(t *testing.T) {
	cfg := testConfig(t)
	inner := wordEngine()
	engine := tts.SynthFunc(func(ctx context.Context, req tts.Request) (*tts.Result, error) {
		if strings.Contains(req.Text, "poison") {
			return nil, tts.Fatal(errors.New("subscription rejected"))
		}
		return inner(ctx, req)
	})

	p := New(cfg, engine, testStore(t), nil, newLogger())
	chapters := []Chapter{
		{Index: 0, Title: "Good", Text: "A perfectly fine chapter."},
		{Index: 1, Title: "Bad", Text: "This chapter is poison."},
		{Index: 2, Title: "Never", Text: "Should never be reached."},
	}
	result, err := p.Run(context.Background(), "book", chapters)
	if err == nil {
		t.Fatalf("fatal synthesis error must abort the run")
	}
	if !tts.IsFatal(err) {
		t.Fatalf("fatal marker lost in %v", err)
	}
	if result.Status != runstore.StatusFailed {
		t.Fatalf("status = %q", result.Status)
	}
	// the completed chapter's outputs survive
	if len(result.Chapters) != 1 || result.Chapters[0].Index != 0 {
		t.Fatalf("completed chapters = %+v", result.Chapters)
	}
	if _, err := os.Stat(result.Chapters[0].AudioPath); err != nil {
		t.Fatalf("first chapter audio should be kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "book_aud3.mp3")); err == nil {
		t.Fatalf("later chapters must not be produced")
	}
}

func TestRunContinuesAfterChapterFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.RetryAttempts = 1

	inner := wordEngine()
	engine := tts.SynthFunc(func(ctx context.Context, req tts.Request) (*tts.Result, error) {
		if strings.Contains(req.Text, "broken") {
			return nil, errors.New("upstream outage")
		}
		return inner(ctx, req)
	})

	p := New(cfg, engine, testStore(t), nil, newLogger())
	chapters := []Chapter{
		{Index: 0, Title: "Bad", Text: "This chapter is broken."},
		{Index: 1, Title: "Good", Text: "A perfectly fine chapter."},
	}
	result, err := p.Run(context.Background(), "book", chapters)
	if err != nil {
		t.Fatalf("a non-fatal chapter failure must not abort the run: %v", err)
	}
	if result.Status != runstore.StatusPartial {
		t.Fatalf("status = %q, want partial", result.Status)
	}
	if len(result.Chapters) != 1 || result.Chapters[0].Index != 1 {
		t.Fatalf("completed chapters = %+v", result.Chapters)
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "book_aud2.mp3")); err != nil {
		t.Fatalf("second chapter audio missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "book_aud1.mp3")); err == nil {
		t.Fatalf("failed chapter must not leave audio behind")
	}
}

func TestRunForceSkipsExhaustedChunks(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.ChunkLen = 20
	cfg.Pipeline.Force = true
	cfg.Pipeline.RetryAttempts = 2

	inner := wordEngine()
	engine := tts.SynthFunc(func(ctx context.Context, req tts.Request) (*tts.Result, error) {
		if strings.Contains(req.Text, "doomed") {
			return nil, errors.New("always failing")
		}
		return inner(ctx, req)
	})

	p := New(cfg, engine, testStore(t), nil, newLogger())
	text := "A good first sentence. This doomed one always fails. A good last sentence."
	result, err := p.Run(context.Background(), "book", []Chapter{{Index: 0, Title: "One", Text: text}})
	if err != nil {
		t.Fatalf("force mode should keep the run alive: %v", err)
	}
	if result.Status != runstore.StatusPartial {
		t.Fatalf("status = %q, want partial", result.Status)
	}
	ch := result.Chapters[0]
	if ch.Skipped != 1 {
		t.Fatalf("skipped chunks = %d, want 1", ch.Skipped)
	}
	data, err := os.ReadFile(ch.AudioPath)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if strings.Contains(string(data), "doomed") {
		t.Fatalf("skipped chunk audio should be absent:\n%q", data)
	}
	if !strings.Contains(string(data), "A good first sentence.") ||
		!strings.Contains(string(data), "A good last sentence.") {
		t.Fatalf("surviving chunks missing:\n%q", data)
	}
}

func TestRunRecordsLedgerAndWarnings(t *testing.T) {
	cfg := testConfig(t)
	cfg.RunStore.Path = filepath.Join(t.TempDir(), "runs.db")

	store, err := runstore.Open(context.Background(), cfg.RunStore, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	// drop one sentence's words from the timeline so it degrades
	inner := wordEngine()
	engine := tts.SynthFunc(func(ctx context.Context, req tts.Request) (*tts.Result, error) {
		res, err := inner(ctx, strippedRequest(req, "mumbled"))
		return res, err
	})

	p := New(cfg, engine, store, nil, newLogger())
	text := "A clear opening sentence. Then something mumbled quietly here. A clear closing sentence."
	result, err := p.Run(context.Background(), "book", []Chapter{{Index: 0, Title: "One", Text: text}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Degraded == 0 {
		t.Fatalf("expected at least one degraded sentence")
	}

	run, err := store.GetRun(context.Background(), result.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != runstore.StatusCompleted {
		t.Fatalf("ledger status = %q", run.Status)
	}
	warnings, err := store.ListWarnings(context.Background(), result.RunID, 50)
	if err != nil {
		t.Fatalf("list warnings: %v", err)
	}
	found := false
	for _, w := range warnings {
		if w.Kind == "degraded" {
			found = true
		}
	}
	if !found {
		t.Fatalf("degraded warning missing from ledger: %+v", warnings)
	}
	degraded, err := store.DegradedCount(context.Background(), result.RunID)
	if err != nil {
		t.Fatalf("degraded count: %v", err)
	}
	if degraded != result.Degraded {
		t.Fatalf("ledger degraded = %d, result = %d", degraded, result.Degraded)
	}
}

// strippedRequest removes every word containing marker from the request
// text, simulating an engine that swallows part of a sentence.
func strippedRequest(req tts.Request, marker string) tts.Request {
	var kept []string
	for _, w := range strings.Fields(req.Text) {
		if strings.Contains(w, marker) {
			continue
		}
		kept = append(kept, w)
	}
	req.Text = strings.Join(kept, " ")
	return req
}

func TestRunEmptyChapter(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg, wordEngine(), testStore(t), nil, newLogger())

	result, err := p.Run(context.Background(), "book", []Chapter{{Index: 0, Title: "Blank", Text: ""}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != runstore.StatusCompleted {
		t.Fatalf("status = %q", result.Status)
	}
	if result.Chapters[0].AudioPath != "" {
		t.Fatalf("empty chapter should produce no audio: %+v", result.Chapters[0])
	}
}

func TestRunCanceledContext(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(cfg, wordEngine(), testStore(t), nil, newLogger())
	_, err := p.Run(ctx, "book", []Chapter{{Index: 0, Title: "One", Text: "Some text here."}})
	if err == nil {
		t.Fatalf("canceled context must fail the run")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error should carry cancellation: %v", err)
	}
}

func TestChapterNumbersInFilenames(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg, wordEngine(), testStore(t), nil, newLogger())

	result, err := p.Run(context.Background(), "book", []Chapter{
		{Index: 0, Title: "One", Text: "Chapter one text."},
		{Index: 1, Title: "Two", Text: "Chapter two text."},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"book_aud1.mp3", "book_aud2.mp3"}
	for i, ch := range result.Chapters {
		if filepath.Base(ch.AudioPath) != want[i] {
			t.Fatalf("chapter %d audio = %s, want %s", i, filepath.Base(ch.AudioPath), want[i])
		}
	}
}
