package handler

import (
	"github.com/go-chi/chi/v5"
)

// Route paths, shared with the hyperlink builders in dto.go.
const (
	indexPath         = "/"
	listProcessesPath = "/list-processes"
	createProcessPath = "/create-process"
	processStatusPath = "/process-status"
	deleteProcessPath = "/delete-process"
	attachConsolePath = "/attach-console"
)

// Routes registers all process routes on r.
func (h *ProcessHandler) Routes(r chi.Router) {
	r.Get(indexPath, h.Index)
	r.Get(listProcessesPath, h.List)
	r.Post(createProcessPath, h.Create)
	r.Get(processStatusPath+"/{slug}", h.Status)
	r.Post(deleteProcessPath+"/{slug}", h.Delete)
	r.Get(attachConsolePath+"/{slug}", h.Attach)
}
