package tts

import (
	"context"
	"time"
)

// Request contains parameters to synthesize one chunk of narration.
type Request struct {
	Text  string
	Voice string
	Lang  string
	Speed float64
}

// Boundary marks where a spoken word starts and ends inside the audio of
// a single request. Offsets are relative to the start of that audio.
type Boundary struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Result is the audio for one request plus its word timeline. Boundaries
// are ordered by Start and never extend past Duration.
type Result struct {
	Audio      []byte
	Boundaries []Boundary
	Duration   time.Duration
}

// Voice describes one voice offered by an engine.
type Voice struct {
	Name   string
	Locale string
	Gender string
}

// Synthesizer is the contract for producing narration audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*Result, error)
	Voices(ctx context.Context) ([]Voice, error)
}
