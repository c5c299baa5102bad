// Package handler implements the agent's REST and WebSocket endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/smartmob-project/smartmob-agent/internal/eventlog"
	"github.com/smartmob-project/smartmob-agent/internal/pipeline"
	apierrors "github.com/smartmob-project/smartmob-agent/internal/pkg/errors"
	"github.com/smartmob-project/smartmob-agent/internal/pkg/response"
	"github.com/smartmob-project/smartmob-agent/internal/registry"
)

// ProcessHandler handles process lifecycle HTTP requests.
type ProcessHandler struct {
	registry *registry.Registry
	pipeline *pipeline.Runner
	events   eventlog.Logger
	validate *validator.Validate

	// baseCtx bounds pipeline goroutines to the agent's lifetime, not
	// the creating request's.
	baseCtx context.Context
}

// NewProcessHandler creates a process handler. baseCtx is cancelled at
// shutdown, abandoning in-flight pipelines.
func NewProcessHandler(baseCtx context.Context, reg *registry.Registry, runner *pipeline.Runner, events eventlog.Logger) *ProcessHandler {
	if events == nil {
		events = eventlog.Nop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &ProcessHandler{
		registry: reg,
		pipeline: runner,
		events:   events,
		validate: validator.New(),
		baseCtx:  baseCtx,
	}
}

// Index handles GET /.
func (h *ProcessHandler) Index(w http.ResponseWriter, r *http.Request) {
	response.OK(w, toIndex(r))
}

// List handles GET /list-processes.
func (h *ProcessHandler) List(w http.ResponseWriter, r *http.Request) {
	records := h.registry.List()
	listing := Listing{Processes: make([]ProcessDetails, 0, len(records))}
	for _, rec := range records {
		listing.Processes = append(listing.Processes, toProcessDetails(r, rec))
	}
	response.OK(w, listing)
}

// Create handles POST /create-process.
func (h *ProcessHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateProcessRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("invalid request body"))
		return
	}

	rec := registry.NewRecord(req.App, req.Node, req.SourceURL, req.ProcessType, req.Env)
	if err := h.registry.Insert(rec); err != nil {
		if errors.Is(err, registry.ErrSlugExists) {
			response.Error(w, apierrors.NewConflictError("process already exists"))
			return
		}
		response.Error(w, apierrors.ErrInternal)
		return
	}

	h.events.Info("process.create",
		eventlog.String("app", req.App),
		eventlog.String("node", req.Node),
		eventlog.String("slug", rec.Slug),
	)
	// The 201 body must report the pending state, so snapshot the record
	// before the pipeline goroutine starts advancing it.
	details := toProcessDetails(r, rec)
	h.pipeline.Start(h.baseCtx, rec)

	response.Created(w, details.Details, details)
}

// Status handles GET /process-status/{slug}.
func (h *ProcessHandler) Status(w http.ResponseWriter, r *http.Request) {
	rec, err := h.registry.Get(chi.URLParam(r, "slug"))
	if err != nil {
		response.Error(w, apierrors.NewNotFoundError("process"))
		return
	}
	response.OK(w, toProcessDetails(r, rec))
}

// Delete handles POST /delete-process/{slug}. It fires the record's stop
// signal, awaits pipeline quiescence and removes the record. A pipeline
// that terminated in error still yields a 200.
func (h *ProcessHandler) Delete(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	rec, err := h.registry.Get(slug)
	if err != nil {
		response.Error(w, apierrors.NewNotFoundError("process"))
		return
	}

	h.events.Info("process.delete", eventlog.String("slug", slug))

	rec.Stop()
	<-rec.Done()
	h.registry.Delete(slug)

	response.OK(w, struct{}{})
}
