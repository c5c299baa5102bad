package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartmob-project/smartmob-agent/internal/fetch"
	"github.com/smartmob-project/smartmob-agent/internal/pipeline"
	"github.com/smartmob-project/smartmob-agent/internal/registry"
	"github.com/smartmob-project/smartmob-agent/internal/supervisor"
	"github.com/smartmob-project/smartmob-agent/internal/workspace"
)

type testAgent struct {
	srv       *httptest.Server
	registry  *registry.Registry
	sourceURL string
}

// newTestAgent runs the full route table against a pipeline whose source
// downloads always fail fast, so records reach a terminal state on their
// own.
func newTestAgent(t *testing.T) *testAgent {
	t.Helper()

	source := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(source.Close)

	layout := workspace.New(t.TempDir())
	require.NoError(t, layout.Init())

	reg := registry.New()
	runner := pipeline.NewRunner(layout, &fetch.Downloader{}, nil, nil)
	runner.Supervise = func(context.Context, supervisor.Options) error { return nil }

	h := NewProcessHandler(context.Background(), reg, runner, nil)
	r := chi.NewRouter()
	h.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testAgent{srv: srv, registry: reg, sourceURL: source.URL}
}

func (a *testAgent) createBody(app, node string) string {
	return fmt.Sprintf(`{"app":%q,"node":%q,"source_url":%q,"process_type":"web"}`,
		app, node, a.sourceURL)
}

func (a *testAgent) create(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(a.srv.URL+"/create-process", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

// errorEnvelope mirrors the wire shape of error responses.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestIndexAdvertisesEndpoints(t *testing.T) {
	agent := newTestAgent(t)

	resp, err := http.Get(agent.srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var index Index
	decodeBody(t, resp, &index)
	assert.Equal(t, agent.srv.URL+"/list-processes", index.List)
	assert.Equal(t, agent.srv.URL+"/create-process", index.Create)
}

func TestCreateProcessReturnsDetails(t *testing.T) {
	agent := newTestAgent(t)

	resp := agent.create(t, agent.createBody("foo", "web.0"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var details ProcessDetails
	decodeBody(t, resp, &details)
	assert.Equal(t, "foo", details.App)
	assert.Equal(t, "foo.web.0", details.Slug)
	assert.Equal(t, agent.srv.URL+"/process-status/foo.web.0", details.Details)
	assert.Equal(t, agent.srv.URL+"/delete-process/foo.web.0", details.Delete)
	assert.True(t, strings.HasPrefix(details.Attach, "ws://"), "attach URL %q", details.Attach)
	assert.Equal(t, details.Details, resp.Header.Get("Location"))
}

func TestCreateProcessReportsPendingState(t *testing.T) {
	agent := newTestAgent(t)

	// The download fails fast, so the record leaves pending almost
	// immediately; the 201 body must still carry the state the record had
	// when it was registered.
	for i := 0; i < 10; i++ {
		resp := agent.create(t, agent.createBody("foo", fmt.Sprintf("web.%d", i)))
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var details ProcessDetails
		decodeBody(t, resp, &details)
		assert.Equal(t, string(registry.StatePending), details.State)
	}
}

func TestCreateProcessDuplicateSlug(t *testing.T) {
	agent := newTestAgent(t)

	resp := agent.create(t, agent.createBody("foo", "web.0"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = agent.create(t, agent.createBody("foo", "web.0"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var envelope errorEnvelope
	decodeBody(t, resp, &envelope)
	assert.Equal(t, "conflict", envelope.Error.Code)
}

func TestCreateProcessRejectsBadRequests(t *testing.T) {
	agent := newTestAgent(t)

	for name, body := range map[string]string{
		"not json":       "{",
		"missing fields": `{"app":"foo"}`,
		"bad url":        `{"app":"foo","node":"web.0","source_url":"not a url","process_type":"web"}`,
		"unknown field":  `{"app":"foo","node":"web.0","source_url":"http://x/a.zip","process_type":"web","bogus":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := agent.create(t, body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var envelope errorEnvelope
			decodeBody(t, resp, &envelope)
			assert.Equal(t, "bad_request", envelope.Error.Code)
		})
	}
	assert.Equal(t, 0, agent.registry.Len())
}

func TestStatusUnknownSlug(t *testing.T) {
	agent := newTestAgent(t)

	resp, err := http.Get(agent.srv.URL + "/process-status/unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusReportsTerminalState(t *testing.T) {
	agent := newTestAgent(t)

	resp := agent.create(t, agent.createBody("foo", "web.0"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The download fails fast; wait for the pipeline to settle.
	rec, err := agent.registry.Get("foo.web.0")
	require.NoError(t, err)
	select {
	case <-rec.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not terminate")
	}

	statusResp, err := http.Get(agent.srv.URL + "/process-status/foo.web.0")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var details ProcessDetails
	decodeBody(t, statusResp, &details)
	assert.Equal(t, string(registry.StateDownloadFailure), details.State)
}

func TestListProcesses(t *testing.T) {
	agent := newTestAgent(t)

	resp, err := http.Get(agent.srv.URL + "/list-processes")
	require.NoError(t, err)
	defer resp.Body.Close()

	var listing Listing
	decodeBody(t, resp, &listing)
	assert.Empty(t, listing.Processes)

	agent.create(t, agent.createBody("bar", "web.0"))
	agent.create(t, agent.createBody("foo", "web.0"))

	resp, err = http.Get(agent.srv.URL + "/list-processes")
	require.NoError(t, err)
	defer resp.Body.Close()

	decodeBody(t, resp, &listing)
	require.Len(t, listing.Processes, 2)
	assert.Equal(t, "bar.web.0", listing.Processes[0].Slug)
	assert.Equal(t, "foo.web.0", listing.Processes[1].Slug)
}

func TestDeleteProcess(t *testing.T) {
	agent := newTestAgent(t)

	resp := agent.create(t, agent.createBody("foo", "web.0"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	delResp, err := http.Post(agent.srv.URL+"/delete-process/foo.web.0", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	statusResp, err := http.Get(agent.srv.URL + "/process-status/foo.web.0")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, statusResp.StatusCode)
}

func TestDeleteUnknownSlug(t *testing.T) {
	agent := newTestAgent(t)

	resp, err := http.Post(agent.srv.URL+"/delete-process/unknown", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAttachConsoleHandshake(t *testing.T) {
	agent := newTestAgent(t)

	resp := agent.create(t, agent.createBody("foo", "web.0"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(agent.srv.URL, "http") + "/attach-console/foo.web.0"
	conn, handshake, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, handshake.StatusCode)

	// The server completes the handshake and closes immediately.
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected read error: %v", err)
}

func TestAttachConsoleUnknownSlug(t *testing.T) {
	agent := newTestAgent(t)

	wsURL := "ws" + strings.TrimPrefix(agent.srv.URL, "http") + "/attach-console/unknown"
	conn, handshake, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, handshake)
	assert.Equal(t, http.StatusNotFound, handshake.StatusCode)
}
