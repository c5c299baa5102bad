// Package pipeline drives each process record through its lifecycle:
// download, unpack, manifest parse, environment provisioning, dependency
// install, then a supervised run until the record's stop signal fires.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/smartmob-project/smartmob-agent/internal/archive"
	"github.com/smartmob-project/smartmob-agent/internal/eventlog"
	"github.com/smartmob-project/smartmob-agent/internal/fetch"
	"github.com/smartmob-project/smartmob-agent/internal/procfile"
	"github.com/smartmob-project/smartmob-agent/internal/provision"
	"github.com/smartmob-project/smartmob-agent/internal/registry"
	"github.com/smartmob-project/smartmob-agent/internal/supervisor"
	"github.com/smartmob-project/smartmob-agent/internal/workspace"
)

// SuperviseFunc runs the final command until stopped. Swapped out in
// pipeline tests.
type SuperviseFunc func(ctx context.Context, opts supervisor.Options) error

// Runner owns the per-record lifecycle goroutines.
type Runner struct {
	Layout      workspace.Layout
	Downloader  *fetch.Downloader
	Provisioner *provision.Provisioner
	Events      eventlog.Logger
	Supervise   SuperviseFunc

	// extractions bounds concurrent archive extraction, which is
	// CPU-bound.
	extractions *semaphore.Weighted
}

// NewRunner wires a Runner with default collaborators where none are
// given.
func NewRunner(layout workspace.Layout, dl *fetch.Downloader, prov *provision.Provisioner, events eventlog.Logger) *Runner {
	if dl == nil {
		dl = &fetch.Downloader{}
	}
	if prov == nil {
		prov = provision.New()
	}
	if events == nil {
		events = eventlog.Nop()
	}
	return &Runner{
		Layout:      layout,
		Downloader:  dl,
		Provisioner: prov,
		Events:      events,
		Supervise:   supervisor.Run,
		extractions: semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
}

// Start spawns the lifecycle goroutine for rec. The record's Done channel
// closes when the goroutine terminates, successfully or not.
func (r *Runner) Start(ctx context.Context, rec *registry.Record) {
	go func() {
		err := r.run(ctx, rec)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.Events.Info("process.failure",
				eventlog.String("slug", rec.Slug),
				eventlog.String("state", string(rec.State())),
				eventlog.String("error", err.Error()),
			)
		}
		rec.Finish(err)
	}()
}

// run is the state machine. Each in-progress state is written before the
// phase begins; failure states are written at the point of failure. The
// two manifest outcomes (no procfile, unknown process type) are terminal
// non-errors: the record stays observable and run returns nil.
func (r *Runner) run(ctx context.Context, rec *registry.Record) error {
	slug := rec.Slug

	r.setState(rec, registry.StateDownloading)
	contentType, err := r.Downloader.Fetch(ctx, rec.SourceURL, r.Layout.ArchivePath(slug), fetch.IsArchive)
	if err != nil {
		r.setState(rec, registry.StateDownloadFailure)
		return err
	}

	r.setState(rec, registry.StateUnpacking)
	format, ok := archive.FormatForContentType(contentType)
	if !ok {
		// The accept predicate admits only the two known types, so
		// this is unreachable short of a lying upstream. No terminal
		// state is written for extraction-phase failures.
		return fmt.Errorf("unexpected content type %q", contentType)
	}
	sourceDir := r.Layout.SourcePath(slug)
	if err := r.unpack(ctx, format, r.Layout.ArchivePath(slug), sourceDir); err != nil {
		return err
	}

	r.setState(rec, registry.StateProcessing)
	manifest, err := procfile.Load(sourceDir)
	if err != nil {
		if errors.Is(err, procfile.ErrNoProcfile) {
			r.setState(rec, registry.StateNoProcfile)
			return nil
		}
		return err
	}
	processType, err := manifest.Lookup(rec.ProcessType)
	if err != nil {
		r.setState(rec, registry.StateUnknownProcessType)
		return nil
	}

	envDir := r.Layout.EnvPath(slug)
	if err := r.Provisioner.CreateEnv(ctx, envDir); err != nil {
		r.setState(rec, registry.StateEnvFailure)
		return err
	}
	if err := r.Provisioner.InstallDeps(ctx, envDir, filepath.Join(sourceDir, "requirements.txt")); err != nil {
		r.setState(rec, registry.StateDepsFailure)
		return err
	}

	// Run it until somebody asks this record to stop. The record's env
	// overrides the manifest env.
	env := make(map[string]string, len(processType.Env)+len(rec.Env))
	for k, v := range processType.Env {
		env[k] = v
	}
	for k, v := range rec.Env {
		env[k] = v
	}
	return r.Supervise(ctx, supervisor.Options{
		Name: slug,
		Cmd:  processType.Cmd,
		Env:  env,
		Dir:  sourceDir,
		Stop: rec.StopRequested(),
		Log:  r.Events,
	})
}

func (r *Runner) unpack(ctx context.Context, format archive.Format, archivePath, sourceDir string) error {
	if err := r.extractions.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.extractions.Release(1)
	return archive.Unpack(format, archivePath, sourceDir)
}

func (r *Runner) setState(rec *registry.Record, s registry.State) {
	rec.SetState(s)
	r.Events.Info("process.state",
		eventlog.String("slug", rec.Slug),
		eventlog.String("state", string(s)),
	)
}
