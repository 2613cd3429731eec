package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScanChapterDir lists the chapter text files of a book directory in
// lexical order, so zero-padded filenames read in chapter order.
func ScanChapterDir(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no chapter files (*.txt) in %s", dir)
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadChapterFiles reads chapter texts in the given order. Titles and
// overlay text references derive from the file names.
func LoadChapterFiles(paths []string) ([]Chapter, error) {
	chapters := make([]Chapter, 0, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read chapter %s: %w", path, err)
		}
		base := filepath.Base(path)
		chapters = append(chapters, Chapter{
			Index:    i,
			Title:    strings.TrimSuffix(base, filepath.Ext(base)),
			TextHref: base,
			Text:     string(data),
		})
	}
	return chapters, nil
}
