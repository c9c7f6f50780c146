// Package loader turns files on disk into ingestible documents for the CLI:
// glob discovery, YAML front matter, incremental sync state and progress.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExtensions are the file types picked up when a directory is named.
var DefaultExtensions = []string{".md", ".markdown", ".mdx", ".txt", ".rst", ".adoc"}

// DefaultExcludes skip VCS metadata and dependency trees.
var DefaultExcludes = []string{"**/.git/**", "**/node_modules/**", "**/.docvault-sync.json"}

// Discovery configures Discover.
type Discovery struct {
	// Root anchors relative patterns and is the base of each source path.
	Root string
	// Patterns are files, directories or doublestar globs.
	Patterns []string
	// Exclude patterns are matched against the root-relative path and the
	// base name.
	Exclude []string
	// Extensions restrict directory expansion; empty selects DefaultExtensions.
	Extensions []string
}

// Discover expands d.Patterns into a sorted, de-duplicated list of regular
// files. A pattern that matches nothing is an error.
func Discover(d Discovery) ([]string, error) {
	root := d.Root
	if root == "" {
		root = "."
	}
	exts := d.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	exclude := append(slices.Clone(DefaultExcludes), d.Exclude...)

	seen := make(map[string]bool)
	var files []string
	add := func(path string) {
		path = filepath.Clean(path)
		if seen[path] || excluded(root, path, exclude) {
			return
		}
		seen[path] = true
		files = append(files, path)
	}

	for _, pattern := range d.Patterns {
		full := pattern
		if !filepath.IsAbs(full) {
			full = filepath.Join(root, pattern)
		}

		info, err := os.Stat(full)
		switch {
		case err == nil && info.Mode().IsRegular():
			add(full)
			continue
		case err == nil && info.IsDir():
			matches, err := doublestar.FilepathGlob(filepath.Join(full, "**", "*"), doublestar.WithFilesOnly())
			if err != nil {
				return nil, fmt.Errorf("walk %s: %w", pattern, err)
			}
			for _, m := range matches {
				if slices.Contains(exts, strings.ToLower(filepath.Ext(m))) {
					add(m)
				}
			}
			continue
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("stat %s: %w", pattern, err)
		}

		if !doublestar.ValidatePathPattern(full) {
			return nil, fmt.Errorf("invalid pattern %q", pattern)
		}
		matches, err := doublestar.FilepathGlob(full, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", pattern)
		}
		for _, m := range matches {
			add(m)
		}
	}

	slices.Sort(files)
	return files, nil
}

func excluded(root, path string, patterns []string) bool {
	rel := SourcePath(root, path)
	base := filepath.Base(path)
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// SourcePath is path relative to root with forward slashes. Paths outside
// root stay absolute.
func SourcePath(root, path string) string {
	absRoot, err1 := filepath.Abs(root)
	absPath, err2 := filepath.Abs(path)
	if err1 == nil && err2 == nil {
		if rel, err := filepath.Rel(absRoot, absPath); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
		return filepath.ToSlash(absPath)
	}
	return filepath.ToSlash(path)
}
