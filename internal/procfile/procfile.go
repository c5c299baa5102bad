// Package procfile loads the process-type manifest from an unpacked
// source tree.
//
// The manifest is a Procfile at the root of the tree, one process type per
// line:
//
//	<type>: <command>
//
// The command may start with NAME=value assignments, which become the
// process type's environment.
package procfile

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrNoProcfile indicates the source tree has no Procfile.
	ErrNoProcfile = errors.New("no procfile")

	// ErrUnknownProcessType indicates a process type absent from the
	// manifest.
	ErrUnknownProcessType = errors.New("unknown process type")
)

// ProcessType is one manifest entry: a command template and its
// environment.
type ProcessType struct {
	Cmd string
	Env map[string]string
}

// Manifest maps process type names to their declarations.
type Manifest map[string]ProcessType

var (
	entryPattern = regexp.MustCompile(`^([A-Za-z0-9_-]+):\s*(.+)$`)
	envPattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=\S*$`)
)

// Load reads and parses sourceDir/Procfile. A missing file yields
// ErrNoProcfile; blank lines, comments and malformed lines are skipped.
func Load(sourceDir string) (Manifest, error) {
	f, err := os.Open(filepath.Join(sourceDir, "Procfile"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoProcfile
		}
		return nil, fmt.Errorf("open procfile: %w", err)
	}
	defer f.Close()

	manifest := make(Manifest)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := entryPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name, cmd := m[1], strings.TrimSpace(m[2])
		env := make(map[string]string)
		for {
			field, rest, _ := strings.Cut(cmd, " ")
			if rest == "" || !envPattern.MatchString(field) {
				break
			}
			key, value, _ := strings.Cut(field, "=")
			env[key] = value
			cmd = strings.TrimSpace(rest)
		}
		manifest[name] = ProcessType{Cmd: cmd, Env: env}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read procfile: %w", err)
	}
	return manifest, nil
}

// Lookup resolves a process type by name.
func (m Manifest) Lookup(name string) (ProcessType, error) {
	pt, ok := m[name]
	if !ok {
		return ProcessType{}, fmt.Errorf("%w: %q", ErrUnknownProcessType, name)
	}
	return pt, nil
}
