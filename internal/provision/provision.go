// Package provision creates isolated runtime environments and installs
// application dependencies into them.
//
// Both steps shell out to the Python tooling: virtualenv to materialise
// the environment, the environment's own pip to install dependencies.
// Environments for distinct applications live in disjoint directories, so
// installing dependencies for one application cannot perturb another.
package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	// ErrEnvCreate indicates the environment tool exited non-zero.
	ErrEnvCreate = errors.New("virtual environment creation failed")

	// ErrDepsInstall indicates the dependency install exited non-zero.
	ErrDepsInstall = errors.New("dependency install failed")
)

// CommandRunner executes a child process and returns its merged
// stdout/stderr. It is the seam tests use to substitute child processes.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	return output.Bytes(), err
}

// Provisioner provisions per-application runtime environments.
type Provisioner struct {
	// Python is the interpreter used to invoke virtualenv.
	Python string

	// Run executes child processes; defaults to exec with merged output.
	Run CommandRunner
}

// New returns a Provisioner using the python3 interpreter on PATH.
func New() *Provisioner {
	return &Provisioner{Python: "python3"}
}

// CreateEnv materialises an isolated runtime rooted at envDir. Exit status
// alone determines success.
func (p *Provisioner) CreateEnv(ctx context.Context, envDir string) error {
	output, err := p.run(ctx, p.python(), "-m", "virtualenv", envDir)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrEnvCreate, tail(output, err))
	}
	return nil
}

// InstallDeps installs the dependencies declared in depsFile into the
// environment at envDir.
func (p *Provisioner) InstallDeps(ctx context.Context, envDir, depsFile string) error {
	pip := filepath.Join(envDir, "bin", "pip")
	output, err := p.run(ctx, pip, "install", "-r", depsFile)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDepsInstall, tail(output, err))
	}
	return nil
}

func (p *Provisioner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	run := p.Run
	if run == nil {
		run = runCommand
	}
	return run(ctx, name, args...)
}

func (p *Provisioner) python() string {
	if p.Python == "" {
		return "python3"
	}
	return p.Python
}

// tail keeps the last few lines of child output for the error message.
func tail(output []byte, err error) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	text := strings.TrimSpace(strings.Join(lines, "\n"))
	if text == "" {
		return err.Error()
	}
	return fmt.Sprintf("%v: %s", err, text)
}
