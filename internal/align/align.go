// Package align matches segmented sentences to the word timeline reported
// by a synthesis engine. Engines speak normalized text, so the match is
// fuzzy: each sentence is located as a best-scoring window of consecutive
// words, and sentences that cannot be located are interpolated from their
// neighbors so every sentence still gets a span.
package align

import (
	"strings"
	"time"
	"unicode"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/overtone-labs/overtone/internal/tts"
)

// Options tunes the matcher.
type Options struct {
	// Threshold is the minimum similarity score (0 to 100) to accept a
	// window as a match.
	Threshold float64
	// CharBased tightens the allowed start drift for languages written
	// without word spacing.
	CharBased bool
}

// Span is the audio interval assigned to one sentence. Degraded marks
// spans that were interpolated rather than matched.
type Span struct {
	Start    time.Duration
	End      time.Duration
	Degraded bool
}

// Normalize lowercases s and strips all whitespace. Both sentence text and
// word boundary text go through this before scoring.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Score reports the similarity of two normalized strings on a 0 to 100
// scale.
func Score(a, b string) float64 {
	return float64(fuzzy.Ratio(a, b))
}

// Align assigns each sentence an audio span. The result has exactly one
// span per sentence, spans are monotonic, and consecutive spans abut so
// playback never jumps. With no boundaries at all every span is zero and
// degraded.
func Align(sentences []string, bs []tts.Boundary, opts Options) []Span {
	if len(sentences) == 0 {
		return nil
	}
	spans := make([]Span, len(sentences))
	if len(bs) == 0 {
		for i := range spans {
			spans[i].Degraded = true
		}
		return spans
	}

	raw := match(sentences, bs, opts)

	// groups of consecutive unmatched sentences, interpolated below
	type group struct {
		idxs  []int
		runes int
	}
	var groups []group
	var open group

	flush := func() {
		if len(open.idxs) > 0 {
			groups = append(groups, open)
			open = group{}
		}
	}

	for i, m := range raw {
		if m[1] < 0 {
			open.idxs = append(open.idxs, i)
			open.runes += len([]rune(sentences[i]))
			spans[i].Degraded = true
			continue
		}
		spans[i].Start = bs[m[0]].Start
		spans[i].End = bs[m[1]].End
		flush()
	}
	flush()

	for _, g := range groups {
		first, last := g.idxs[0], g.idxs[len(g.idxs)-1]
		start := bs[0].Start
		if first > 0 {
			start = spans[first-1].End
		}
		end := bs[len(bs)-1].End
		if last+1 < len(spans) {
			end = spans[last+1].Start
		}
		total := float64(end - start)
		cur := 0.0
		for _, idx := range g.idxs {
			share := total * float64(len([]rune(sentences[idx]))) / float64(g.runes)
			spans[idx].Start = start + time.Duration(cur)
			spans[idx].End = spans[idx].Start + time.Duration(share)
			cur += share
		}
	}

	// continuity: gaps between pars cause audible playback jumps
	for i := 0; i+1 < len(spans); i++ {
		spans[i].End = spans[i+1].Start
	}
	return spans
}

// match finds, for each sentence, the best-scoring window of consecutive
// word boundaries, scanning forward from a cursor that only advances.
// Returns boundary index pairs, or {-1, -1} where no window clears the
// threshold.
func match(sentences []string, bs []tts.Boundary, opts Options) [][2]int {
	wbTexts := make([]string, len(bs))
	wbLens := make([]int, len(bs))
	cum := make([]int, len(bs)+1)
	for i, b := range bs {
		wbTexts[i] = Normalize(b.Text)
		wbLens[i] = len([]rune(wbTexts[i]))
		cum[i+1] = cum[i] + wbLens[i]
	}

	maxStartShift := 10
	if opts.CharBased {
		maxStartShift = 5
	}

	result := make([][2]int, len(sentences))
	cursor := 0
	unmatchedRunes := 0

	for si, sent := range sentences {
		result[si] = [2]int{-1, -1}
		target := Normalize(sent)
		targetLen := len([]rune(target))

		bestScore := -1.0
		best := [2]int{0, -1}

		minLen := int(float64(targetLen) * 0.8)
		maxLen := int(float64(targetLen) * 1.2)
		if targetLen < 50 {
			minLen = int(float64(targetLen) * 0.6)
			maxLen = int(float64(targetLen) * 1.4)
		}
		if maxLen < 5 {
			maxLen = 5
		}
		maxStartPos := cum[cursor] + unmatchedRunes + maxStartShift

	slide:
		for start := cursor; start < len(wbTexts); start++ {
			if cum[start] > maxStartPos {
				break
			}
			var buf strings.Builder
			bufLen := 0
			for end := start; end < len(wbTexts); end++ {
				buf.WriteString(wbTexts[end])
				bufLen += wbLens[end]
				if bufLen > maxLen {
					break
				}
				if bufLen < minLen {
					continue
				}
				score := Score(buf.String(), target)
				if score > bestScore {
					bestScore = score
					best = [2]int{start, end}
				}
				if score == 100 {
					break
				}
			}
			if bestScore >= opts.Threshold {
				break slide
			}
		}

		if bestScore < opts.Threshold {
			unmatchedRunes += targetLen
			continue
		}

		if bestScore < 100 {
			// try trimming leading words that belong to the previous sentence
			start, end := best[0], best[1]
			for newStart := start + 1; newStart <= end; newStart++ {
				buf := strings.Join(wbTexts[newStart:end+1], "")
				if len([]rune(buf)) < targetLen {
					break
				}
				score := Score(buf, target)
				if score <= bestScore {
					break
				}
				bestScore = score
				best = [2]int{newStart, end}
			}
		}

		result[si] = best
		cursor = best[1] + 1
		unmatchedRunes = 0
	}
	return result
}
