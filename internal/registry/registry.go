// Package registry holds the in-memory process records.
package registry

import (
	"errors"
	"sort"
	"sync"
)

// State is a process record's position in the lifecycle state machine.
// Only the lifecycle pipeline writes it.
type State string

const (
	// StatePending indicates the pipeline has not started work yet.
	StatePending State = "pending"
	// StateDownloading indicates the source archive is being fetched.
	StateDownloading State = "downloading"
	// StateUnpacking indicates the archive is being extracted.
	StateUnpacking State = "unpacking"
	// StateProcessing indicates manifest parsing and later phases.
	StateProcessing State = "processing"

	// StateDownloadFailure is terminal: the archive fetch failed.
	StateDownloadFailure State = "download failure"
	// StateNoProcfile is terminal: the source tree has no manifest.
	StateNoProcfile State = "no procfile"
	// StateUnknownProcessType is terminal: the requested type is absent
	// from the manifest.
	StateUnknownProcessType State = "unknown process type"
	// StateEnvFailure is terminal: environment creation failed.
	StateEnvFailure State = "virtual environment failure"
	// StateDepsFailure is terminal: dependency install failed.
	StateDepsFailure State = "pip install failure"
)

var (
	// ErrSlugExists indicates a record with the same slug is already
	// registered.
	ErrSlugExists = errors.New("slug already exists")

	// ErrNotFound indicates no record with the given slug.
	ErrNotFound = errors.New("no such process")
)

// Slug derives the unique record identifier from the client-supplied app
// and node names.
func Slug(app, node string) string {
	return app + "." + node
}

// Record is everything known about one supervised process: identity,
// configuration, observable state and control handles.
type Record struct {
	App         string
	Node        string
	Slug        string
	SourceURL   string
	ProcessType string
	Env         map[string]string

	mu    sync.Mutex
	state State
	err   error

	stopOnce sync.Once
	stop     chan struct{}

	doneOnce sync.Once
	done     chan struct{}
}

// NewRecord builds a record in the pending state.
func NewRecord(app, node, sourceURL, processType string, env map[string]string) *Record {
	return &Record{
		App:         app,
		Node:        node,
		Slug:        Slug(app, node),
		SourceURL:   sourceURL,
		ProcessType: processType,
		Env:         env,
		state:       StatePending,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetState advances the lifecycle state. Reserved for the pipeline.
func (r *Record) SetState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// Stop requests pipeline and supervisor termination. Firing more than
// once has the same effect as firing once.
func (r *Record) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// StopRequested becomes readable once Stop has fired.
func (r *Record) StopRequested() <-chan struct{} { return r.stop }

// Done becomes readable once the pipeline goroutine has terminated.
func (r *Record) Done() <-chan struct{} { return r.done }

// Finish marks the pipeline as terminated. Reserved for the pipeline.
func (r *Record) Finish(err error) {
	r.doneOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
}

// Err returns the pipeline's terminal error. Only meaningful after Done
// is readable.
func (r *Record) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Registry is the slug-keyed map of live process records. The existence
// check and insertion are atomic.
type Registry struct {
	mu    sync.Mutex
	procs map[string]*Record
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{procs: make(map[string]*Record)}
}

// Insert registers a record, failing with ErrSlugExists when the slug is
// taken.
func (g *Registry) Insert(rec *Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.procs[rec.Slug]; ok {
		return ErrSlugExists
	}
	g.procs[rec.Slug] = rec
	return nil
}

// Get looks up a record by slug.
func (g *Registry) Get(slug string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.procs[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Delete removes a record. Removing an absent slug is a no-op.
func (g *Registry) Delete(slug string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.procs, slug)
}

// List returns a snapshot of all records, sorted by slug.
func (g *Registry) List() []*Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Record, 0, len(g.procs))
	for _, rec := range g.procs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Len returns the number of live records.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.procs)
}
