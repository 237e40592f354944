package source

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Walker finds source data files under a root directory using glob
// include and exclude patterns, matched against root-relative paths.
type Walker struct {
	includes []string
	excludes []string
}

func NewWalker(includes, excludes []string) *Walker {
	if len(includes) == 0 {
		includes = []string{"**/*.csv"}
	}
	return &Walker{includes: includes, excludes: excludes}
}

// SourceFile is one candidate data file discovered under the root.
type SourceFile struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// Walk returns the matching files under root. Excluded directories are
// skipped without descending.
func (w *Walker) Walk(root string) ([]SourceFile, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var files []SourceFile
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		if info.IsDir() {
			if w.matches(w.excludes, rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if w.matches(w.includes, rel) && !w.matches(w.excludes, rel) {
			files = append(files, SourceFile{
				Path:    path,
				ModTime: info.ModTime(),
				Size:    info.Size(),
			})
		}
		return nil
	})
	return files, err
}

func (w *Walker) matches(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}
