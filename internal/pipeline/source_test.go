package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScanChapterDirOrdersFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ch02.txt", "ch10.txt", "ch01.txt", "notes.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("text"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	paths, err := ScanChapterDir(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{"ch01.txt", "ch02.txt", "ch10.txt"}
	if len(paths) != len(want) {
		t.Fatalf("got %d paths: %v", len(paths), paths)
	}
	for i, w := range want {
		if filepath.Base(paths[i]) != w {
			t.Fatalf("path %d = %s, want %s", i, paths[i], w)
		}
	}
}

func TestScanChapterDirEmpty(t *testing.T) {
	if _, err := ScanChapterDir(t.TempDir()); err == nil {
		t.Fatalf("empty dir should error")
	}
}

func TestLoadChapterFiles(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "ch01.txt")
	p2 := filepath.Join(dir, "ch02.txt")
	os.WriteFile(p1, []byte("First chapter."), 0o644)
	os.WriteFile(p2, []byte("Second chapter."), 0o644)

	chapters, err := LoadChapterFiles([]string{p1, p2})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if chapters[0].Title != "ch01" || chapters[0].TextHref != "ch01.txt" {
		t.Fatalf("chapter 0 = %+v", chapters[0])
	}
	if chapters[1].Index != 1 || chapters[1].Text != "Second chapter." {
		t.Fatalf("chapter 1 = %+v", chapters[1])
	}
}

func TestLoadChapterFilesMissing(t *testing.T) {
	if _, err := LoadChapterFiles([]string{"/nonexistent/ch.txt"}); err == nil {
		t.Fatalf("missing file should error")
	}
}
