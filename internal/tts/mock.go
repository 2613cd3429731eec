package tts

import (
	"context"
	"strings"
	"time"
)

// mockSynth produces a fixed-cadence word timeline with placeholder audio.
// Useful for tests and dry runs where no engine is available.
type mockSynth struct {
	wordDur time.Duration
}

func NewMockSynth() Synthesizer {
	return &mockSynth{wordDur: 300 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Fields(req.Text)
	res := &Result{
		Audio:      make([]byte, len(words)*64),
		Boundaries: make([]Boundary, 0, len(words)),
	}
	for i, w := range words {
		res.Boundaries = append(res.Boundaries, Boundary{
			Text:  w,
			Start: time.Duration(i) * m.wordDur,
			End:   time.Duration(i+1) * m.wordDur,
		})
	}
	res.Duration = time.Duration(len(words)) * m.wordDur
	return res, nil
}

func (m *mockSynth) Voices(ctx context.Context) ([]Voice, error) {
	return []Voice{{Name: "mock-neutral", Locale: "en-US", Gender: "Neutral"}}, nil
}

// SynthFunc adapts a function into a Synthesizer, for tests that script
// failures or custom timelines.
type SynthFunc func(ctx context.Context, req Request) (*Result, error)

func (f SynthFunc) Synthesize(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

func (f SynthFunc) Voices(ctx context.Context) ([]Voice, error) {
	return nil, nil
}
