package smil

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestClock(t *testing.T) {
	cases := map[time.Duration]string{
		0:                               "0:00:00.000",
		1500 * time.Millisecond:         "0:00:01.500",
		65 * time.Second:                "0:01:05.000",
		time.Hour + 2*time.Minute + 3*time.Second + 45*time.Millisecond: "1:02:03.045",
		-time.Second: "0:00:00.000",
	}
	for d, want := range cases {
		if got := Clock(d); got != want {
			t.Fatalf("Clock(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestDocumentShape(t *testing.T) {
	entries := []Entry{
		{FragmentID: "s00001", Text: "Hello world.", Start: 0, End: 1500 * time.Millisecond},
		{FragmentID: "s00002", Text: "Goodbye.", Start: 1500 * time.Millisecond, End: 2 * time.Second},
	}
	doc, err := Document("smil/ch1.smil", "text/ch1.xhtml", "audio/ch1.mp3", entries, discard())
	if err != nil {
		t.Fatalf("Document: %v", err)
	}

	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<smil xmlns="http://www.w3.org/ns/SMIL" xmlns:epub="http://www.idpf.org/2007/ops" version="3.0">`,
		`<par id="p00001">`,
		`<text src="../text/ch1.xhtml#s00001"/>`,
		`<audio src="../audio/ch1.mp3" clipBegin="0:00:00.000" clipEnd="0:00:01.500"/>`,
		`<par id="p00002">`,
		`<audio src="../audio/ch1.mp3" clipBegin="0:00:01.500" clipEnd="0:00:02.000"/>`,
		`</smil>`,
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestDocumentSkipsUnreadableEntries(t *testing.T) {
	entries := []Entry{
		{FragmentID: "s00001", Text: "...", Start: 0, End: time.Second},
		{FragmentID: "s00002", Text: "Real text.", Start: time.Second, End: 2 * time.Second},
	}
	doc, err := Document("ch1.smil", "ch1.xhtml", "ch1.mp3", entries, discard())
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if strings.Contains(doc, "s00001") {
		t.Fatalf("unreadable entry should be skipped:\n%s", doc)
	}
	// par ids stay dense after a skip
	if !strings.Contains(doc, `<par id="p00001">`) || strings.Contains(doc, `p00002`) {
		t.Fatalf("par numbering wrong:\n%s", doc)
	}
}

func TestDocumentEscapesAttributes(t *testing.T) {
	entries := []Entry{
		{FragmentID: "s00001", Text: "Hi", Start: 0, End: time.Second},
	}
	doc, err := Document("ch1.smil", `Tom & Jerry's "book".xhtml`, "ch1.mp3", entries, discard())
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if strings.Contains(doc, `Jerry's "book"`) {
		t.Fatalf("attribute not escaped:\n%s", doc)
	}
	if !strings.Contains(doc, "Tom &amp; Jerry") {
		t.Fatalf("ampersand not escaped:\n%s", doc)
	}
}
