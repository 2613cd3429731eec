// Package smil renders EPUB 3 Media Overlay documents that link sentence
// fragments in a chapter document to clips of the chapter audio.
package smil

import (
	"fmt"
	"html"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/overtone-labs/overtone/internal/segment"
)

// Entry links one text fragment to an audio interval. Entries must be in
// reading order with abutting intervals.
type Entry struct {
	FragmentID string
	Text       string
	Start      time.Duration
	End        time.Duration
}

// Document renders the overlay for one chapter. Hrefs are paths relative
// to the publication root; text and audio references inside the document
// are rewritten relative to the SMIL file's own directory. Entries whose
// text carries no letters or numbers are dropped with a warning, since a
// reading system has nothing to highlight for them.
func Document(smilHref, textHref, audioHref string, entries []Entry, log *slog.Logger) (string, error) {
	smilDir := filepath.Dir(smilHref)
	textRel, err := filepath.Rel(smilDir, textHref)
	if err != nil {
		return "", fmt.Errorf("relativize text href: %w", err)
	}
	audioRel, err := filepath.Rel(smilDir, audioHref)
	if err != nil {
		return "", fmt.Errorf("relativize audio href: %w", err)
	}
	textRel = filepath.ToSlash(textRel)
	audioRel = filepath.ToSlash(audioRel)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<smil xmlns="http://www.w3.org/ns/SMIL" xmlns:epub="http://www.idpf.org/2007/ops" version="3.0">` + "\n")
	b.WriteString("  <body>\n")
	b.WriteString("    <seq>\n")

	par := 0
	for _, e := range entries {
		if !segment.IsReadable(e.Text) {
			log.Warn("skipping overlay entry with no readable text",
				"fragment", e.FragmentID, "clip_begin", e.Start)
			continue
		}
		par++
		fmt.Fprintf(&b, "      <par id=\"p%05d\">\n", par)
		fmt.Fprintf(&b, "        <text src=\"%s#%s\"/>\n",
			html.EscapeString(textRel), html.EscapeString(e.FragmentID))
		fmt.Fprintf(&b, "        <audio src=\"%s\" clipBegin=\"%s\" clipEnd=\"%s\"/>\n",
			html.EscapeString(audioRel), Clock(e.Start), Clock(e.End))
		b.WriteString("      </par>\n")
	}

	b.WriteString("    </seq>\n")
	b.WriteString("  </body>\n")
	b.WriteString("</smil>\n")
	return b.String(), nil
}

// Clock formats a duration as a SMIL clock value, h:mm:ss.mmm.
func Clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3600000
	m := ms % 3600000 / 60000
	s := ms % 60000 / 1000
	frac := ms % 1000
	return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, frac)
}
