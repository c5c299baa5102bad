package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartmob-project/smartmob-agent/internal/fetch"
	"github.com/smartmob-project/smartmob-agent/internal/provision"
	"github.com/smartmob-project/smartmob-agent/internal/registry"
	"github.com/smartmob-project/smartmob-agent/internal/supervisor"
	"github.com/smartmob-project/smartmob-agent/internal/workspace"
)

// archiveServer serves a zip archive with the given entries.
func archiveServer(t *testing.T, entries map[string]string) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

// scriptedRunner fails the nth child spawn (1-based); zero fails none.
func scriptedRunner(failAt int) provision.CommandRunner {
	var mu sync.Mutex
	n := 0
	return func(context.Context, string, ...string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n == failAt {
			return []byte("boom"), errors.New("exit status 1")
		}
		return nil, nil
	}
}

type supervised struct {
	mu    sync.Mutex
	calls []supervisor.Options
}

func (s *supervised) run(_ context.Context, opts supervisor.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, opts)
	return nil
}

func newTestRunner(t *testing.T, failProvisionAt int, sup *supervised) *Runner {
	t.Helper()
	layout := workspace.New(t.TempDir())
	require.NoError(t, layout.Init())

	runner := NewRunner(layout, &fetch.Downloader{}, &provision.Provisioner{Run: scriptedRunner(failProvisionAt)}, nil)
	if sup != nil {
		runner.Supervise = sup.run
	} else {
		runner.Supervise = (&supervised{}).run
	}
	return runner
}

func awaitDone(t *testing.T, rec *registry.Record) {
	t.Helper()
	select {
	case <-rec.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not terminate")
	}
}

func TestPipelineHappyPathRunsSupervisor(t *testing.T) {
	srv := archiveServer(t, map[string]string{
		"Procfile":         "web: python dots.py\n",
		"requirements.txt": "Flask==0.10.1\n",
	})
	sup := &supervised{}
	runner := newTestRunner(t, 0, sup)

	rec := registry.NewRecord("foo", "web.0", srv.URL, "web", nil)
	runner.Start(context.Background(), rec)
	awaitDone(t, rec)

	require.NoError(t, rec.Err())
	assert.Equal(t, registry.StateProcessing, rec.State())

	require.Len(t, sup.calls, 1)
	assert.Equal(t, "foo.web.0", sup.calls[0].Name)
	assert.Equal(t, "python dots.py", sup.calls[0].Cmd)
	assert.Equal(t, runner.Layout.SourcePath("foo.web.0"), sup.calls[0].Dir)
}

func TestPipelineOverlaysRecordEnv(t *testing.T) {
	srv := archiveServer(t, map[string]string{
		"Procfile":         "web: PORT=5000 python app.py\n",
		"requirements.txt": "",
	})
	sup := &supervised{}
	runner := newTestRunner(t, 0, sup)

	rec := registry.NewRecord("foo", "web.0", srv.URL, "web", map[string]string{
		"PORT":  "9000",
		"EXTRA": "1",
	})
	runner.Start(context.Background(), rec)
	awaitDone(t, rec)

	require.Len(t, sup.calls, 1)
	assert.Equal(t, map[string]string{"PORT": "9000", "EXTRA": "1"}, sup.calls[0].Env)
}

func TestPipelineDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	runner := newTestRunner(t, 0, nil)

	rec := registry.NewRecord("foo", "web.0", srv.URL, "web", nil)
	runner.Start(context.Background(), rec)
	awaitDone(t, rec)

	assert.Equal(t, registry.StateDownloadFailure, rec.State())
	assert.ErrorIs(t, rec.Err(), fetch.ErrDownloadFailed)
}

func TestPipelineDownloadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	t.Cleanup(srv.Close)
	runner := newTestRunner(t, 0, nil)

	rec := registry.NewRecord("foo", "web.0", srv.URL, "web", nil)
	runner.Start(context.Background(), rec)
	awaitDone(t, rec)

	assert.Equal(t, registry.StateDownloadFailure, rec.State())
	assert.ErrorIs(t, rec.Err(), fetch.ErrDownloadRejected)
}

func TestPipelineNoProcfileIsTerminalNonError(t *testing.T) {
	srv := archiveServer(t, map[string]string{
		"requirements.txt": "Flask==0.10.1\n",
	})
	runner := newTestRunner(t, 0, nil)

	rec := registry.NewRecord("foo", "web.0", srv.URL, "web", nil)
	runner.Start(context.Background(), rec)
	awaitDone(t, rec)

	assert.Equal(t, registry.StateNoProcfile, rec.State())
	assert.NoError(t, rec.Err())
}

func TestPipelineUnknownProcessTypeIsTerminalNonError(t *testing.T) {
	srv := archiveServer(t, map[string]string{
		"Procfile": "web: python dots.py\n",
	})
	runner := newTestRunner(t, 0, nil)

	rec := registry.NewRecord("foo", "web.0", srv.URL, "invalid", nil)
	runner.Start(context.Background(), rec)
	awaitDone(t, rec)

	assert.Equal(t, registry.StateUnknownProcessType, rec.State())
	assert.NoError(t, rec.Err())
}

func TestPipelineEnvCreateFailure(t *testing.T) {
	srv := archiveServer(t, map[string]string{
		"Procfile": "web: python dots.py\n",
	})
	runner := newTestRunner(t, 1, nil)

	rec := registry.NewRecord("foo", "web.0", srv.URL, "web", nil)
	runner.Start(context.Background(), rec)
	awaitDone(t, rec)

	assert.Equal(t, registry.StateEnvFailure, rec.State())
	assert.ErrorIs(t, rec.Err(), provision.ErrEnvCreate)
}

func TestPipelineDepsInstallFailure(t *testing.T) {
	srv := archiveServer(t, map[string]string{
		"Procfile": "web: python dots.py\n",
	})
	runner := newTestRunner(t, 2, nil)

	rec := registry.NewRecord("foo", "web.0", srv.URL, "web", nil)
	runner.Start(context.Background(), rec)
	awaitDone(t, rec)

	assert.Equal(t, registry.StateDepsFailure, rec.State())
	assert.ErrorIs(t, rec.Err(), provision.ErrDepsInstall)
}

func TestPipelineStopDuringSupervisedRun(t *testing.T) {
	srv := archiveServer(t, map[string]string{
		"Procfile": "web: python dots.py\n",
	})
	runner := newTestRunner(t, 0, nil)
	runner.Supervise = func(_ context.Context, opts supervisor.Options) error {
		<-opts.Stop
		return nil
	}

	rec := registry.NewRecord("foo", "web.0", srv.URL, "web", nil)
	runner.Start(context.Background(), rec)

	// The supervisor blocks until the record's stop signal fires.
	select {
	case <-rec.Done():
		t.Fatal("pipeline terminated before stop")
	case <-time.After(100 * time.Millisecond):
	}

	rec.Stop()
	awaitDone(t, rec)
	assert.NoError(t, rec.Err())
}
