package handler

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/smartmob-project/smartmob-agent/internal/registry"
)

// CreateProcessRequest is the body of POST /create-process.
type CreateProcessRequest struct {
	App         string            `json:"app" validate:"required"`
	Node        string            `json:"node" validate:"required"`
	SourceURL   string            `json:"source_url" validate:"required,url"`
	ProcessType string            `json:"process_type" validate:"required"`
	Env         map[string]string `json:"env"`
}

// ProcessDetails is the representation of one process record, with
// absolute hyperlinks resolved against the request's scheme and host.
type ProcessDetails struct {
	App     string `json:"app"`
	Slug    string `json:"slug"`
	Attach  string `json:"attach"`
	Details string `json:"details"`
	Delete  string `json:"delete"`
	State   string `json:"state"`
}

// Listing is the body of GET /list-processes.
type Listing struct {
	Processes []ProcessDetails `json:"processes"`
}

// Index is the discovery document served at GET /.
type Index struct {
	List   string `json:"list"`
	Create string `json:"create"`
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func toProcessDetails(r *http.Request, rec *registry.Record) ProcessDetails {
	scheme := requestScheme(r)
	slug := url.PathEscape(rec.Slug)
	return ProcessDetails{
		App:     rec.App,
		Slug:    rec.Slug,
		Attach:  fmt.Sprintf("ws://%s%s/%s", r.Host, attachConsolePath, slug),
		Details: fmt.Sprintf("%s://%s%s/%s", scheme, r.Host, processStatusPath, slug),
		Delete:  fmt.Sprintf("%s://%s%s/%s", scheme, r.Host, deleteProcessPath, slug),
		State:   string(rec.State()),
	}
}

func toIndex(r *http.Request) Index {
	scheme := requestScheme(r)
	return Index{
		List:   fmt.Sprintf("%s://%s%s", scheme, r.Host, listProcessesPath),
		Create: fmt.Sprintf("%s://%s%s", scheme, r.Host, createProcessPath),
	}
}
