// Package supervisor runs a command and respawns it until stopped.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/google/shlex"

	"github.com/smartmob-project/smartmob-agent/internal/eventlog"
)

const (
	// DefaultGracePeriod is how long a child gets between SIGTERM and
	// SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// DefaultRespawnDelay is the pause between a child exit and the next
	// spawn.
	DefaultRespawnDelay = time.Second

	// maxSpawnFailures is how many consecutive failed spawns are
	// tolerated before giving up on the record.
	maxSpawnFailures = 3
)

// Options configures a supervised run.
type Options struct {
	// Name identifies the process in event logs (the record slug).
	Name string

	// Cmd is the command line from the manifest, split POSIX-style.
	Cmd string

	// Env is overlaid onto the agent's environment for the child.
	Env map[string]string

	// Dir is the child's working directory (the unpacked source tree).
	Dir string

	// Stop requests termination when it becomes readable.
	Stop <-chan struct{}

	// Log receives process.spawn and process.exit events.
	Log eventlog.Logger

	// Output receives the child's merged stdout/stderr; defaults to the
	// agent's stdout.
	Output io.Writer

	// GracePeriod and RespawnDelay default to the package constants.
	GracePeriod  time.Duration
	RespawnDelay time.Duration
}

// Run spawns the command and respawns it each time it exits, until the
// stop channel fires or ctx is cancelled. On stop the current child is
// sent SIGTERM, then SIGKILL after the grace period, and Run returns once
// the child is gone. Three consecutive spawn errors abort the run.
func Run(ctx context.Context, opts Options) error {
	argv, err := shlex.Split(opts.Cmd)
	if err != nil {
		return fmt.Errorf("parse command %q: %w", opts.Cmd, err)
	}
	if len(argv) == 0 {
		return errors.New("empty command")
	}

	log := opts.Log
	if log == nil {
		log = eventlog.Nop()
	}
	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	delay := opts.RespawnDelay
	if delay <= 0 {
		delay = DefaultRespawnDelay
	}

	spawnFailures := 0
	for {
		if stopped(ctx, opts.Stop) {
			return ctx.Err()
		}

		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = opts.Dir
		cmd.Env = mergedEnv(opts.Env)
		cmd.Stdout = output
		cmd.Stderr = output
		if err := cmd.Start(); err != nil {
			spawnFailures++
			if spawnFailures >= maxSpawnFailures {
				return fmt.Errorf("spawn %q: %w", opts.Name, err)
			}
			if err := pause(ctx, opts.Stop, delay); err != nil {
				if errors.Is(err, errStopped) {
					return nil
				}
				return err
			}
			continue
		}
		spawnFailures = 0
		log.Info("process.spawn",
			eventlog.String("name", opts.Name),
			eventlog.Int("pid", cmd.Process.Pid),
		)

		waited := make(chan error, 1)
		go func() { waited <- cmd.Wait() }()

		select {
		case err := <-waited:
			log.Info("process.exit",
				eventlog.String("name", opts.Name),
				eventlog.Int("status", exitStatus(err)),
			)
			if err := pause(ctx, opts.Stop, delay); err != nil {
				if errors.Is(err, errStopped) {
					return nil
				}
				return err
			}
		case <-opts.Stop:
			terminate(cmd, waited, grace)
			return nil
		case <-ctx.Done():
			terminate(cmd, waited, grace)
			return ctx.Err()
		}
	}
}

// terminate asks the child to exit and escalates to SIGKILL after the
// grace period.
func terminate(cmd *exec.Cmd, waited <-chan error, grace time.Duration) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waited:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		<-waited
	}
}

// pause waits for the respawn delay, returning early when stop fires. A
// nil error means the caller should spawn again.
func pause(ctx context.Context, stop <-chan struct{}, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stop:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errStopped = errors.New("stopped")

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// mergedEnv overlays extra onto the agent's environment, with extra keys
// winning.
func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
