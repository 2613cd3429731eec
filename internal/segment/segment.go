package segment

import (
	"fmt"
	"unicode"
)

// NewlineMode controls how newlines in chapter text are treated when
// deriving paragraphs.
type NewlineMode string

const (
	// NewlineNone ignores newlines entirely; the chapter is one paragraph.
	NewlineNone NewlineMode = "none"
	// NewlineSingle starts a new paragraph at every newline.
	NewlineSingle NewlineMode = "single"
	// NewlineMulti starts a new paragraph only at blank-line separated blocks.
	NewlineMulti NewlineMode = "multi"
)

// Sentence is one narration fragment of a chapter. Start and End are rune
// offsets into the chapter text; the concatenation of all sentence texts in
// order reproduces the chapter text exactly. Order and identity are fixed
// once built.
type Sentence struct {
	ID        string
	Text      string
	Paragraph int
	Start     int
	End       int
}

// maskRune temporarily stands in for dots that must not terminate a
// sentence (decimals, abbreviations). Private-use codepoint so it can
// never occur in book text.
const maskRune = '\uE000'

var sentenceDelimiters = map[rune]bool{
	'.': true, '?': true, '!': true, ',': true, ';': true,
	'。': true, '？': true, '！': true, '，': true, '；': true,
}

var closingQuotes = map[rune]bool{
	'\'': true, '"': true,
	'’': true, '”': true, '」': true, '』': true, '】': true,
}

// Abbreviations whose trailing dot never ends a sentence, and those whose
// trailing dot may. Longest first so "U.S.A." wins over "U.S.".
var abbrNonTerminal = [][]rune{
	[]rune("Prof."), []rune("Mrs."), []rune("Mr."), []rune("Ms."), []rune("Dr."),
}

var abbrMayTerminal = [][]rune{
	[]rune("U.S.A."), []rune("Inc."), []rune("Ltd."), []rune("U.K."), []rune("U.N."), []rune("U.S."),
}

// Segment splits chapter text into ordered sentences with stable offsets.
// Sentence boundary detection is best effort: an undetected boundary only
// produces a longer sentence, which downstream chunking still handles.
func Segment(text string, mode NewlineMode) []Sentence {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var sentences []Sentence
	for para, span := range paragraphSpans(runes, mode) {
		for _, rel := range splitSentences(runes[span[0]:span[1]]) {
			start := span[0] + rel[0]
			end := span[0] + rel[1]
			sentences = append(sentences, Sentence{
				ID:        fmt.Sprintf("s%05d", len(sentences)+1),
				Text:      string(runes[start:end]),
				Paragraph: para,
				Start:     start,
				End:       end,
			})
		}
	}
	return sentences
}

// IsReadable reports whether s contains at least one letter or number in
// any script. Fragments that are pure punctuation or whitespace are kept
// for offset stability but carry nothing worth synchronizing.
func IsReadable(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}

// paragraphSpans returns contiguous rune spans covering the whole text.
// Separator whitespace stays attached to the preceding paragraph so no
// character is lost.
func paragraphSpans(runes []rune, mode NewlineMode) [][2]int {
	var cuts []int
	switch mode {
	case NewlineSingle:
		for i, r := range runes {
			if r == '\n' && i+1 < len(runes) {
				cuts = append(cuts, i+1)
			}
		}
	case NewlineMulti:
		i := 0
		for i < len(runes) {
			if runes[i] != '\n' {
				i++
				continue
			}
			j := i
			newlines := 0
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				if runes[j] == '\n' {
					newlines++
				}
				j++
			}
			if newlines >= 2 && j < len(runes) {
				cuts = append(cuts, j)
			}
			i = j
		}
	}

	spans := make([][2]int, 0, len(cuts)+1)
	prev := 0
	for _, c := range cuts {
		if c > prev {
			spans = append(spans, [2]int{prev, c})
			prev = c
		}
	}
	if prev < len(runes) {
		spans = append(spans, [2]int{prev, len(runes)})
	}
	return spans
}

// splitSentences cuts a paragraph after each run of delimiters, folding a
// single trailing closing quote into the fragment. Spans are relative to
// the paragraph and cover it completely.
func splitSentences(runes []rune) [][2]int {
	if len(runes) == 0 {
		return nil
	}
	masked := maskProtectedDots(runes)

	var spans [][2]int
	prev := 0
	i := 0
	for i < len(runes) {
		if !sentenceDelimiters[masked[i]] {
			i++
			continue
		}
		// advance to the end of the delimiter run
		for i+1 < len(runes) && sentenceDelimiters[masked[i+1]] {
			i++
		}
		j := i + 1
		if j < len(runes) && closingQuotes[masked[j]] {
			j++
		}
		spans = append(spans, [2]int{prev, j})
		prev = j
		i = j
	}
	if prev < len(runes) {
		spans = append(spans, [2]int{prev, len(runes)})
	}
	return spans
}

// maskProtectedDots returns a copy of runes with dots inside decimal
// numbers and known abbreviations replaced by maskRune, so the splitter
// does not treat them as sentence terminators.
func maskProtectedDots(runes []rune) []rune {
	masked := make([]rune, len(runes))
	copy(masked, runes)

	// decimal points and dotted version strings: digit '.' digit
	for i := 1; i+1 < len(masked); i++ {
		if masked[i] == '.' && unicode.IsDigit(masked[i-1]) && unicode.IsDigit(masked[i+1]) {
			masked[i] = maskRune
		}
	}

	for i := 0; i < len(masked); {
		n, terminal := matchAbbreviation(masked, i)
		if n == 0 {
			i++
			continue
		}
		last := i + n - 1
		for k := i; k <= last; k++ {
			if masked[k] == '.' {
				masked[k] = maskRune
			}
		}
		if terminal {
			masked[last] = runes[last]
		}
		i += n
	}
	return masked
}

// matchAbbreviation reports the length of an abbreviation starting at idx
// and whether its final dot should stay a sentence terminator.
func matchAbbreviation(runes []rune, idx int) (int, bool) {
	if idx > 0 && unicode.IsLetter(runes[idx-1]) {
		return 0, false
	}
	for _, abbr := range abbrNonTerminal {
		if matchRunes(runes, idx, abbr) {
			return len(abbr), terminalByContext(runes, idx+len(abbr), false)
		}
	}
	for _, abbr := range abbrMayTerminal {
		if matchRunes(runes, idx, abbr) {
			return len(abbr), terminalByContext(runes, idx+len(abbr), true)
		}
	}
	return 0, false
}

func matchRunes(runes []rune, idx int, want []rune) bool {
	if idx+len(want) > len(runes) {
		return false
	}
	for k, r := range want {
		if runes[idx+k] != r {
			return false
		}
	}
	return true
}

// terminalByContext decides whether the abbreviation's final dot ends a
// sentence, based on the next non-space rune. End of text and a closing
// quote read as terminal; a following lowercase word keeps a may-terminal
// abbreviation mid-sentence.
func terminalByContext(runes []rune, after int, mayTerminate bool) bool {
	next := rune(0)
	for k := after; k < len(runes); k++ {
		if unicode.IsSpace(runes[k]) {
			continue
		}
		next = runes[k]
		break
	}
	if next == 0 || closingQuotes[next] {
		return true
	}
	if mayTerminate {
		return !unicode.IsLower(next)
	}
	return false
}
