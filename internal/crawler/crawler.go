package crawler

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"revspec/internal/extractor"
)

// Crawler scans roots for source files and reads them into units.
type Crawler struct {
	extensions map[string]extractor.Dialect
	ignored    []string
	log        *zap.Logger
}

// NewCrawler maps file extensions (".sql") onto dialect names ("plpgsql").
func NewCrawler(extensions map[string]string, log *zap.Logger) *Crawler {
	if log == nil {
		log = zap.NewNop()
	}
	ext := make(map[string]extractor.Dialect, len(extensions))
	for e, d := range extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		ext[e] = extractor.NormalizeDialect(d)
	}
	return &Crawler{
		extensions: ext,
		ignored:    []string{".git", "vendor", "node_modules", "testdata", "__pycache__", "target", "dist"},
		log:        log,
	}
}

// Detect returns the dialect for a path by extension.
func (c *Crawler) Detect(path string) (extractor.Dialect, bool) {
	d, ok := c.extensions[strings.ToLower(filepath.Ext(path))]
	return d, ok
}

// ScanProject walks each root (file or directory) and streams units to onUnit in lexical path order.
// Unreadable files are logged and skipped.
func (c *Crawler) ScanProject(roots []string, onUnit func(extractor.SourceUnit)) error {
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			c.emit(root, onUnit)
			continue
		}
		var paths []string
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if d.IsDir() {
				for _, ign := range c.ignored {
					if d.Name() == ign {
						return filepath.SkipDir
					}
				}
				return nil
			}

			if c.skipFile(d.Name()) {
				return nil
			}
			if _, ok := c.Detect(path); ok {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return err
		}
		sort.Strings(paths)
		for _, p := range paths {
			c.emit(p, onUnit)
		}
	}
	return nil
}

// Collect gathers every unit under roots.
func (c *Crawler) Collect(roots []string) ([]extractor.SourceUnit, error) {
	var units []extractor.SourceUnit
	err := c.ScanProject(roots, func(u extractor.SourceUnit) {
		units = append(units, u)
	})
	return units, err
}

func (c *Crawler) emit(path string, onUnit func(extractor.SourceUnit)) {
	dialect, ok := c.Detect(path)
	if !ok {
		c.log.Debug("skipping file with unknown extension", zap.String("path", path))
		return
	}
	text, err := os.ReadFile(path)
	if err != nil {
		c.log.Warn("failed to read source file", zap.String("path", path), zap.Error(err))
		return
	}
	onUnit(extractor.SourceUnit{Path: path, Dialect: dialect, Text: text})
}

func (c *Crawler) skipFile(name string) bool {
	return strings.HasSuffix(name, "_test.go") ||
		strings.HasSuffix(name, ".d.ts") ||
		strings.HasSuffix(name, ".min.js")
}
