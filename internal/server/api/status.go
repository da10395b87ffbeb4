package api

import (
	"net/http"

	"github.com/ayusman/objectlens/internal/task"
)

// StatusSource reports the status line currently shown to the user.
type StatusSource interface {
	Status() string
}

type modeStatus struct {
	State  string `json:"state"`
	TaskID string `json:"task_id,omitempty"`
	Source string `json:"source,omitempty"`
}

type statusResponse struct {
	Status string                `json:"status"`
	Modes  map[string]modeStatus `json:"modes"`
}

// StatusHandler serves GET /api/status.
type StatusHandler struct {
	ctrl   Controller
	source StatusSource
}

func NewStatusHandler(ctrl Controller, source StatusSource) *StatusHandler {
	return &StatusHandler{ctrl: ctrl, source: source}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		Status: task.StatusIdle,
		Modes:  make(map[string]modeStatus, len(task.Modes)),
	}
	if h.source != nil {
		resp.Status = h.source.Status()
	}

	for _, mode := range task.Modes {
		ms := modeStatus{State: h.ctrl.State(mode).String()}
		if info, ok := h.ctrl.Active(mode); ok {
			ms.TaskID = info.ID
			ms.Source = info.Source
		}
		resp.Modes[string(mode)] = ms
	}

	writeJSON(w, http.StatusOK, resp)
}
