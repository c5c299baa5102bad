// Package workspace defines the on-disk layout for deployed processes.
//
// Under the workspace root live three sibling trees keyed by slug:
// archives/ holds raw downloaded archives, sources/ the unpacked source
// trees, and envs/ the isolated runtime environments. Paths for distinct
// slugs never overlap.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRoot is the workspace root used when none is configured.
const DefaultRoot = ".smartmob"

// Layout computes per-slug paths under a workspace root.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root, falling back to DefaultRoot.
func New(root string) Layout {
	if root == "" {
		root = DefaultRoot
	}
	return Layout{Root: root}
}

// Init creates the archives, sources and envs directories. Failure here is
// fatal at bootstrap.
func (l Layout) Init() error {
	for _, dir := range []string{l.archives(), l.sources(), l.envs()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace directory: %w", err)
		}
	}
	return nil
}

// ArchivePath returns the file the raw archive for slug is written to.
func (l Layout) ArchivePath(slug string) string {
	return filepath.Join(l.archives(), slug)
}

// SourcePath returns the directory the archive for slug is unpacked into.
func (l Layout) SourcePath(slug string) string {
	return filepath.Join(l.sources(), slug)
}

// EnvPath returns the directory holding the isolated runtime for slug.
func (l Layout) EnvPath(slug string) string {
	return filepath.Join(l.envs(), slug)
}

func (l Layout) archives() string { return filepath.Join(l.Root, "archives") }
func (l Layout) sources() string  { return filepath.Join(l.Root, "sources") }
func (l Layout) envs() string     { return filepath.Join(l.Root, "envs") }
