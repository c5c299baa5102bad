package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/smartmob-project/smartmob-agent/internal/eventlog"
	apierrors "github.com/smartmob-project/smartmob-agent/internal/pkg/errors"
	"github.com/smartmob-project/smartmob-agent/internal/pkg/response"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Attach handles GET /attach-console/{slug}. The handshake is completed
// and the connection closed immediately; streaming the supervised
// process's output is a future extension, but clients already depend on
// the handshake and the process.attach event.
func (h *ProcessHandler) Attach(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if _, err := h.registry.Get(slug); err != nil {
		response.Error(w, apierrors.NewNotFoundError("process"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}

	h.events.Info("process.attach", eventlog.String("slug", slug))

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}
