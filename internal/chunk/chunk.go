// Package chunk groups ordered sentences into synthesis-sized batches.
// Sentences are never split across chunks, so a single oversized sentence
// becomes a chunk of its own.
package chunk

import (
	"strings"

	"github.com/overtone-labs/overtone/internal/segment"
)

const (
	defaultMaxLenLatin = 3000
	defaultMaxLenCJK   = 2000
)

// Chunk is a contiguous run of sentences submitted to the synthesizer as
// one request. Index is the chunk's position within its chapter.
type Chunk struct {
	Index     int
	Sentences []segment.Sentence
	Text      string
	Length    int
}

// DefaultMaxLen returns the chunk size limit for a language when the
// configuration leaves it at zero. CJK scripts pack more narration into
// fewer runes, so they get a tighter limit.
func DefaultMaxLen(lang string) int {
	l := strings.ToLower(lang)
	for _, prefix := range []string{"zh", "ja", "ko"} {
		if strings.HasPrefix(l, prefix) {
			return defaultMaxLenCJK
		}
	}
	return defaultMaxLenLatin
}

// Build partitions sentences into chunks of at most maxLen runes, greedily
// and in order. Every sentence lands in exactly one chunk and chunk order
// follows sentence order, so concatenating chunk texts reproduces the
// chapter text.
func Build(sentences []segment.Sentence, maxLen int) []Chunk {
	if len(sentences) == 0 {
		return nil
	}
	if maxLen <= 0 {
		maxLen = defaultMaxLenLatin
	}

	var chunks []Chunk
	var cur []segment.Sentence
	curLen := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		var b strings.Builder
		for _, s := range cur {
			b.WriteString(s.Text)
		}
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Sentences: cur,
			Text:      b.String(),
			Length:    curLen,
		})
		cur = nil
		curLen = 0
	}

	for _, s := range sentences {
		n := len([]rune(s.Text))
		if curLen > 0 && curLen+n > maxLen {
			flush()
		}
		cur = append(cur, s)
		curLen += n
	}
	flush()
	return chunks
}
