package protocol

import "time"

// NarrateRequest asks the daemon to narrate a book.
type NarrateRequest struct {
	RunID    string   `json:"run_id"`
	BookID   string   `json:"book_id"`
	Chapters []string `json:"chapters"`
}

// RunStarted announces a new pipeline run.
type RunStarted struct {
	RunID     string    `json:"run_id"`
	BookID    string    `json:"book_id"`
	Engine    string    `json:"engine"`
	Voice     string    `json:"voice"`
	Lang      string    `json:"lang"`
	Chapters  int       `json:"chapters"`
	Timestamp time.Time `json:"timestamp"`
}

// RunCompleted closes out a run with its terminal status.
type RunCompleted struct {
	RunID     string    `json:"run_id"`
	BookID    string    `json:"book_id"`
	Status    string    `json:"status"`
	Degraded  int       `json:"degraded"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// ChapterStarted marks the beginning of one chapter.
type ChapterStarted struct {
	RunID     string    `json:"run_id"`
	Index     int       `json:"index"`
	Title     string    `json:"title"`
	Sentences int       `json:"sentences"`
	Chunks    int       `json:"chunks"`
	Timestamp time.Time `json:"timestamp"`
}

// ChapterCompleted reports a finished chapter and its outputs.
type ChapterCompleted struct {
	RunID     string        `json:"run_id"`
	Index     int           `json:"index"`
	Title     string        `json:"title"`
	AudioPath string        `json:"audio_path"`
	SMILPath  string        `json:"smil_path"`
	Duration  time.Duration `json:"duration"`
	Degraded  int           `json:"degraded"`
	Timestamp time.Time     `json:"timestamp"`
}

// ChapterFailed reports a chapter the pipeline could not produce.
type ChapterFailed struct {
	RunID     string    `json:"run_id"`
	Index     int       `json:"index"`
	Title     string    `json:"title"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ChunkSynthesized reports per-chunk synthesis progress.
type ChunkSynthesized struct {
	RunID      string        `json:"run_id"`
	Chapter    int           `json:"chapter"`
	Chunk      int           `json:"chunk"`
	Attempts   int           `json:"attempts"`
	Boundaries int           `json:"boundaries"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

const (
	SubjectNarrateRequest   = "narrate.request"
	SubjectRunStarted       = "narrate.run.started"
	SubjectRunCompleted     = "narrate.run.completed"
	SubjectChapterStarted   = "narrate.chapter.started"
	SubjectChapterCompleted = "narrate.chapter.completed"
	SubjectChapterFailed    = "narrate.chapter.failed"
	SubjectChunkSynthesized = "narrate.chunk.synthesized"
)
