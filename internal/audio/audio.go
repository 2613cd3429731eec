// Package audio concatenates per-chunk synthesis output into chapter
// audio and rebases chunk-relative timings onto the chapter timeline.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/tcolgate/mp3"

	"github.com/overtone-labs/overtone/internal/align"
)

// Part is the synthesized audio for one chunk. Duration may be zero when
// the engine did not report one; Assemble then measures it from the MP3
// frames.
type Part struct {
	Index    int
	Audio    []byte
	Duration time.Duration
}

// ChapterAudio is the concatenation of all chunk parts in order.
// Offsets[i] is where part i begins on the chapter timeline.
type ChapterAudio struct {
	Data    []byte
	Offsets []time.Duration
	Total   time.Duration
}

// Assemble joins parts in chunk order. Every index from 0 to len(parts)-1
// must be present exactly once; a missing chunk would silently shift all
// later clips.
func Assemble(parts []Part) (*ChapterAudio, error) {
	if len(parts) == 0 {
		return nil, errors.New("no audio parts")
	}
	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	ca := &ChapterAudio{Offsets: make([]time.Duration, len(sorted))}
	for i, p := range sorted {
		if p.Index != i {
			return nil, fmt.Errorf("audio part %d missing (found index %d)", i, p.Index)
		}
		d := p.Duration
		if d == 0 && len(p.Audio) > 0 {
			probed, err := Probe(p.Audio)
			if err != nil {
				return nil, fmt.Errorf("measure part %d: %w", i, err)
			}
			d = probed
		}
		ca.Offsets[i] = ca.Total
		ca.Data = append(ca.Data, p.Audio...)
		ca.Total += d
	}
	return ca, nil
}

// Probe measures MP3 duration by walking the frame headers.
func Probe(data []byte) (time.Duration, error) {
	if len(data) == 0 {
		return 0, errors.New("empty audio")
	}
	dec := mp3.NewDecoder(bytes.NewReader(data))
	var (
		frame   mp3.Frame
		skipped int
		total   time.Duration
	)
	for {
		if err := dec.Decode(&frame, &skipped); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return 0, fmt.Errorf("decode mp3 frame: %w", err)
		}
		total += frame.Duration()
	}
	if total == 0 {
		return 0, errors.New("no mp3 frames found")
	}
	return total, nil
}

// Rebase shifts chunk-relative spans onto the chapter timeline.
func Rebase(spans []align.Span, offset time.Duration) []align.Span {
	out := make([]align.Span, len(spans))
	for i, sp := range spans {
		out[i] = align.Span{
			Start:    sp.Start + offset,
			End:      sp.End + offset,
			Degraded: sp.Degraded,
		}
	}
	return out
}
