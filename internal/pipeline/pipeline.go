// Package pipeline drives a narration run: chapters are segmented into
// sentences, batched into chunks, synthesized concurrently, aligned
// against the engine's word timeline, and written out as chapter audio
// plus a media overlay document. Chapters are processed one at a time so
// a failure loses at most the chapter in flight; chunks within a chapter
// fan out over a worker pool.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/overtone-labs/overtone/internal/align"
	"github.com/overtone-labs/overtone/internal/audio"
	"github.com/overtone-labs/overtone/internal/bus"
	"github.com/overtone-labs/overtone/internal/chunk"
	"github.com/overtone-labs/overtone/internal/config"
	"github.com/overtone-labs/overtone/internal/protocol"
	"github.com/overtone-labs/overtone/internal/runstore"
	"github.com/overtone-labs/overtone/internal/segment"
	"github.com/overtone-labs/overtone/internal/smil"
	"github.com/overtone-labs/overtone/internal/tts"
)

// Chapter is one unit of input text. TextHref is the document the overlay
// points back into; when empty a conventional name is derived.
type Chapter struct {
	Index    int
	Title    string
	TextHref string
	Text     string
}

// ChapterResult describes the outputs produced for one chapter.
type ChapterResult struct {
	Index     int
	Title     string
	AudioPath string
	SMILPath  string
	Sentences int
	Chunks    int
	Skipped   int
	Degraded  int
	Duration  time.Duration
}

// RunResult summarizes a completed run.
type RunResult struct {
	RunID    string
	Status   string
	Chapters []ChapterResult
	Degraded int
}

type Pipeline struct {
	cfg    config.Config
	synth  tts.Synthesizer
	store  *runstore.Store
	bus    *bus.Client
	log    *slog.Logger
	tracer trace.Tracer

	chunksSynth  metric.Int64Counter
	synthRetries metric.Int64Counter
	degradedSent metric.Int64Counter
	chaptersDone metric.Int64Counter
	chaptersFail metric.Int64Counter
}

func New(cfg config.Config, synth tts.Synthesizer, store *runstore.Store, busClient *bus.Client, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		synth:  synth,
		store:  store,
		bus:    busClient,
		log:    log.With(slog.String("component", "pipeline")),
		tracer: otel.Tracer("github.com/overtone-labs/overtone/pipeline"),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter("github.com/overtone-labs/overtone/pipeline")
	var err error
	if p.chunksSynth, err = meter.Int64Counter("overtone.chunks.synthesized"); err != nil {
		return err
	}
	if p.synthRetries, err = meter.Int64Counter("overtone.synthesis.retries"); err != nil {
		return err
	}
	if p.degradedSent, err = meter.Int64Counter("overtone.sentences.degraded"); err != nil {
		return err
	}
	if p.chaptersDone, err = meter.Int64Counter("overtone.chapters.completed"); err != nil {
		return err
	}
	p.chaptersFail, err = meter.Int64Counter("overtone.chapters.failed")
	return err
}

func (p *Pipeline) count(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

// Run narrates a book. Completed chapter outputs are kept even when a
// later chapter aborts the run.
func (p *Pipeline) Run(ctx context.Context, bookID string, chapters []Chapter) (*RunResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	runID := uuid.NewString()
	result := &RunResult{RunID: runID, Status: runstore.StatusCompleted}
	log := p.log.With(slog.String("run_id", runID), slog.String("book_id", bookID))

	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := p.store.BeginRun(ctx, runstore.Run{
		RunID:  runID,
		BookID: bookID,
		Engine: p.cfg.TTS.Engine,
		Voice:  p.cfg.TTS.Voice,
		Lang:   p.cfg.TTS.Lang,
	}); err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	p.bus.Publish(protocol.SubjectRunStarted, protocol.RunStarted{
		RunID:     runID,
		BookID:    bookID,
		Engine:    p.cfg.TTS.Engine,
		Voice:     p.cfg.TTS.Voice,
		Lang:      p.cfg.TTS.Lang,
		Chapters:  len(chapters),
		Timestamp: time.Now().UTC(),
	})

	log.Info("run started",
		slog.Int("chapters", len(chapters)),
		slog.String("engine", p.cfg.TTS.Engine),
		slog.String("voice", p.cfg.TTS.Voice))

	for _, ch := range chapters {
		cres, err := p.processChapter(ctx, log, runID, bookID, ch)
		if err != nil {
			p.count(ctx, p.chaptersFail, 1)
			p.store.RecordChapter(ctx, runstore.ChapterRecord{
				RunID: runID, Index: ch.Index, Title: ch.Title,
				Status: runstore.StatusFailed, Error: err.Error(),
			})
			p.bus.Publish(protocol.SubjectChapterFailed, protocol.ChapterFailed{
				RunID: runID, Index: ch.Index, Title: ch.Title,
				Error: err.Error(), Timestamp: time.Now().UTC(),
			})
			// Bad credentials or a dead context doom every remaining
			// chapter; anything else only loses this one.
			if tts.IsFatal(err) || ctx.Err() != nil {
				result.Status = runstore.StatusFailed
				p.finishRun(ctx, result, bookID, err)
				return result, fmt.Errorf("chapter %d (%s): %w", ch.Index, ch.Title, err)
			}
			log.Warn("chapter failed, continuing with next",
				slog.Int("chapter", ch.Index), slog.String("error", err.Error()))
			result.Status = runstore.StatusPartial
			continue
		}
		result.Chapters = append(result.Chapters, cres)
		result.Degraded += cres.Degraded
		if cres.Skipped > 0 {
			result.Status = runstore.StatusPartial
		}
	}

	p.finishRun(ctx, result, bookID, nil)
	log.Info("run finished",
		slog.String("status", result.Status),
		slog.Int("degraded_sentences", result.Degraded))
	return result, nil
}

func (p *Pipeline) finishRun(ctx context.Context, result *RunResult, bookID string, runErr error) {
	if err := p.store.FinishRun(ctx, result.RunID, result.Status); err != nil {
		p.log.Warn("record run finish failed", slog.String("error", err.Error()))
	}
	evt := protocol.RunCompleted{
		RunID:     result.RunID,
		BookID:    bookID,
		Status:    result.Status,
		Degraded:  result.Degraded,
		Timestamp: time.Now().UTC(),
	}
	if runErr != nil {
		evt.Error = runErr.Error()
	}
	p.bus.Publish(protocol.SubjectRunCompleted, evt)
}

func (p *Pipeline) processChapter(ctx context.Context, log *slog.Logger, runID, bookID string, ch Chapter) (ChapterResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.chapter",
		trace.WithAttributes(attribute.Int("chapter.index", ch.Index)))
	defer span.End()

	res := ChapterResult{Index: ch.Index, Title: ch.Title}
	log = log.With(slog.Int("chapter", ch.Index))

	sentences := segment.Segment(ch.Text, segment.NewlineMode(p.cfg.Pipeline.NewlineMode))
	if len(sentences) == 0 {
		log.Warn("chapter has no text, skipping")
		p.warn(ctx, runID, ch.Index, "", "empty_chapter", ch.Title)
		p.store.RecordChapter(ctx, runstore.ChapterRecord{
			RunID: runID, Index: ch.Index, Title: ch.Title, Status: runstore.StatusCompleted,
		})
		return res, nil
	}
	res.Sentences = len(sentences)

	maxLen := p.cfg.TTS.ChunkLen
	if maxLen <= 0 {
		maxLen = chunk.DefaultMaxLen(p.cfg.TTS.Lang)
	}
	chunks := chunk.Build(sentences, maxLen)
	res.Chunks = len(chunks)

	log.Info("chapter started",
		slog.String("title", ch.Title),
		slog.Int("sentences", len(sentences)),
		slog.Int("chunks", len(chunks)))
	p.bus.Publish(protocol.SubjectChapterStarted, protocol.ChapterStarted{
		RunID: runID, Index: ch.Index, Title: ch.Title,
		Sentences: len(sentences), Chunks: len(chunks), Timestamp: time.Now().UTC(),
	})

	synthRes, skipped, err := p.synthesizeAll(ctx, log, runID, ch.Index, chunks)
	if err != nil {
		return res, err
	}

	parts := make([]audio.Part, len(chunks))
	for i := range chunks {
		parts[i] = audio.Part{Index: i}
		if synthRes[i] != nil {
			parts[i].Audio = synthRes[i].Audio
			parts[i].Duration = synthRes[i].Duration
		}
	}
	chapterAudio, err := audio.Assemble(parts)
	if err != nil {
		return res, err
	}

	opts := align.Options{
		Threshold: p.cfg.Pipeline.AlignThreshold,
		CharBased: chunk.DefaultMaxLen(p.cfg.TTS.Lang) == 2000,
	}
	var spans []align.Span
	for i, c := range chunks {
		texts := make([]string, len(c.Sentences))
		for j, s := range c.Sentences {
			texts[j] = s.Text
		}
		var boundaries []tts.Boundary
		if synthRes[i] != nil {
			boundaries = synthRes[i].Boundaries
		}
		chunkSpans := align.Align(texts, boundaries, opts)
		spans = append(spans, audio.Rebase(chunkSpans, chapterAudio.Offsets[i])...)
	}

	for i, s := range sentences {
		if !spans[i].Degraded || !segment.IsReadable(s.Text) {
			continue
		}
		res.Degraded++
		p.warn(ctx, runID, ch.Index, s.ID, "degraded", "timing interpolated from neighbors")
	}
	for i := range chunks {
		if !skipped[i] {
			continue
		}
		res.Skipped++
		for _, s := range chunks[i].Sentences {
			p.warn(ctx, runID, ch.Index, s.ID, "chunk_skipped", "synthesis failed, no audio for sentence")
		}
	}
	p.count(ctx, p.degradedSent, int64(res.Degraded))

	if err := p.writeOutputs(log, bookID, ch, sentences, spans, parts, chapterAudio, &res); err != nil {
		return res, err
	}
	res.Duration = chapterAudio.Total

	status := runstore.StatusCompleted
	if res.Skipped > 0 {
		status = runstore.StatusPartial
	}
	p.store.RecordChapter(ctx, runstore.ChapterRecord{
		RunID: runID, Index: ch.Index, Title: ch.Title, Status: status,
		Chunks: res.Chunks, Sentences: res.Sentences, Degraded: res.Degraded,
		Duration: res.Duration,
	})
	p.count(ctx, p.chaptersDone, 1)
	p.bus.Publish(protocol.SubjectChapterCompleted, protocol.ChapterCompleted{
		RunID: runID, Index: ch.Index, Title: ch.Title,
		AudioPath: res.AudioPath, SMILPath: res.SMILPath,
		Duration: res.Duration, Degraded: res.Degraded, Timestamp: time.Now().UTC(),
	})
	log.Info("chapter finished",
		slog.Duration("audio", res.Duration),
		slog.Int("degraded", res.Degraded),
		slog.Int("skipped_chunks", res.Skipped))
	return res, nil
}

// synthesizeAll fans chunks out over a bounded worker pool. Results come
// back indexed by chunk so completion order never matters. A fatal error
// cancels the pool; a transient error that survives its retry budget does
// too, unless force mode downgrades it to a skipped chunk.
func (p *Pipeline) synthesizeAll(ctx context.Context, log *slog.Logger, runID string, chapterIdx int, chunks []chunk.Chunk) ([]*tts.Result, []bool, error) {
	results := make([]*tts.Result, len(chunks))
	skipped := make([]bool, len(chunks))

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan chunk.Chunk)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	workers := min(p.cfg.Pipeline.MaxWorkers, len(chunks))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if poolCtx.Err() != nil {
					continue
				}
				res, attempts, err := p.synthesizeChunk(poolCtx, c)
				if err != nil {
					if p.cfg.Pipeline.Force && !tts.IsFatal(err) && poolCtx.Err() == nil {
						log.Warn("chunk skipped after exhausting retries",
							slog.Int("chunk", c.Index), slog.String("error", err.Error()))
						skipped[c.Index] = true
						continue
					}
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("synthesize chunk %d: %w", c.Index, err)
						cancel()
					}
					mu.Unlock()
					continue
				}
				results[c.Index] = res
				p.count(poolCtx, p.chunksSynth, 1)
				p.bus.Publish(protocol.SubjectChunkSynthesized, protocol.ChunkSynthesized{
					RunID: runID, Chapter: chapterIdx, Chunk: c.Index,
					Attempts: attempts, Boundaries: len(res.Boundaries),
					Duration: res.Duration, Timestamp: time.Now().UTC(),
				})
			}
		}()
	}

feed:
	for _, c := range chunks {
		select {
		case jobs <- c:
		case <-poolCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return results, skipped, nil
}

func (p *Pipeline) synthesizeChunk(ctx context.Context, c chunk.Chunk) (*tts.Result, int, error) {
	attempts := 0
	op := func() (*tts.Result, error) {
		attempts++
		res, err := p.synth.Synthesize(ctx, tts.Request{
			Text:  c.Text,
			Voice: p.cfg.TTS.Voice,
			Lang:  p.cfg.TTS.Lang,
			Speed: p.cfg.TTS.Speed,
		})
		if err != nil {
			if tts.IsFatal(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	}
	notify := func(err error, wait time.Duration) {
		p.count(ctx, p.synthRetries, 1)
		p.log.Warn("chunk synthesis retry",
			slog.Int("chunk", c.Index),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()))
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.cfg.Pipeline.RetryAttempts-1)),
		ctx)
	res, err := backoff.RetryNotifyWithData(op, bo, notify)
	return res, attempts, err
}

type chapterMeta struct {
	BookID     string  `json:"book_id"`
	Chapter    int     `json:"chapter"`
	Title      string  `json:"title"`
	Engine     string  `json:"engine"`
	Voice      string  `json:"voice"`
	Lang       string  `json:"lang"`
	Speed      float64 `json:"speed"`
	DurationMS int64   `json:"duration_ms"`
	Sentences  int     `json:"sentences"`
	Chunks     int     `json:"chunks"`
	Degraded   int     `json:"degraded"`
}

func (p *Pipeline) writeOutputs(log *slog.Logger, bookID string, ch Chapter,
	sentences []segment.Sentence, spans []align.Span, parts []audio.Part,
	chapterAudio *audio.ChapterAudio, res *ChapterResult) error {

	stem := fmt.Sprintf("%s_aud%d", bookID, ch.Index+1)
	audioPath := filepath.Join(p.cfg.OutputDir, stem+".mp3")
	smilPath := filepath.Join(p.cfg.OutputDir, stem+".smil")
	metaPath := filepath.Join(p.cfg.OutputDir, stem+".meta.json")

	var partPaths []string
	for _, part := range parts {
		if len(part.Audio) == 0 {
			continue
		}
		pp := filepath.Join(p.cfg.OutputDir, fmt.Sprintf("%s.part%d.mp3", stem, part.Index+1))
		if err := os.WriteFile(pp, part.Audio, 0o644); err != nil {
			return fmt.Errorf("write part audio: %w", err)
		}
		partPaths = append(partPaths, pp)
	}

	if err := os.WriteFile(audioPath, chapterAudio.Data, 0o644); err != nil {
		return fmt.Errorf("write chapter audio: %w", err)
	}

	textHref := ch.TextHref
	if textHref == "" {
		textHref = fmt.Sprintf("%s_ch%03d.xhtml", bookID, ch.Index+1)
	}
	entries := make([]smil.Entry, len(sentences))
	for i, s := range sentences {
		entries[i] = smil.Entry{
			FragmentID: s.ID,
			Text:       s.Text,
			Start:      spans[i].Start,
			End:        spans[i].End,
		}
	}
	doc, err := smil.Document(stem+".smil", textHref, stem+".mp3", entries, log)
	if err != nil {
		return fmt.Errorf("render overlay: %w", err)
	}
	if err := os.WriteFile(smilPath, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("write overlay: %w", err)
	}

	meta, err := json.MarshalIndent(chapterMeta{
		BookID:     bookID,
		Chapter:    ch.Index + 1,
		Title:      ch.Title,
		Engine:     p.cfg.TTS.Engine,
		Voice:      p.cfg.TTS.Voice,
		Lang:       p.cfg.TTS.Lang,
		Speed:      p.cfg.TTS.Speed,
		DurationMS: chapterAudio.Total.Milliseconds(),
		Sentences:  res.Sentences,
		Chunks:     res.Chunks,
		Degraded:   res.Degraded,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	if p.cfg.Pipeline.Cleanup {
		for _, pp := range partPaths {
			if err := os.Remove(pp); err != nil {
				log.Warn("remove part file failed", slog.String("path", pp), slog.String("error", err.Error()))
			}
		}
	}

	res.AudioPath = audioPath
	res.SMILPath = smilPath
	return nil
}

func (p *Pipeline) warn(ctx context.Context, runID string, chapterIdx int, sentenceID, kind, detail string) {
	if err := p.store.RecordWarning(ctx, runstore.Warning{
		RunID:      runID,
		ChapterIdx: chapterIdx,
		SentenceID: sentenceID,
		Kind:       kind,
		Detail:     detail,
	}); err != nil {
		p.log.Warn("record warning failed", slog.String("error", err.Error()))
	}
}
