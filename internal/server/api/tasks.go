// Package api provides HTTP API handlers for objectlens detection tasks.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/objectlens/internal/store"
	"github.com/ayusman/objectlens/internal/task"
)

// maxUploadSize bounds multipart image uploads.
const maxUploadSize = 32 << 20

// Controller starts and stops detection tasks.
type Controller interface {
	StartImage(path string) (string, error)
	CancelImage() error
	StartLive() (string, error)
	EndLive() error
	State(mode task.Mode) task.State
	Active(mode task.Mode) (task.Info, bool)
}

// TaskLog is the read side of the session task log.
type TaskLog interface {
	GetByID(id string) (*store.Task, error)
	List(limit int) ([]*store.Task, error)
}

// TaskHandler handles HTTP requests for task resources.
type TaskHandler struct {
	ctrl      Controller
	log       TaskLog
	uploadDir string
}

// NewTaskHandler creates a TaskHandler. Uploaded images are saved under
// uploadDir; taskLog may be nil when no session log is kept.
func NewTaskHandler(ctrl Controller, taskLog TaskLog, uploadDir string) *TaskHandler {
	return &TaskHandler{ctrl: ctrl, log: taskLog, uploadDir: uploadDir}
}

// ServeHTTP routes:
//
//	POST/DELETE /api/tasks/image
//	POST/DELETE /api/tasks/live
//	GET         /api/tasks
//	GET         /api/tasks/{id}
//	GET         /api/tasks/{id}/result
func (h *TaskHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks")
	path = strings.Trim(path, "/")

	switch {
	case path == "":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.list(w, r)

	case path == string(task.ModeImage):
		switch r.Method {
		case http.MethodPost:
			h.startImage(w, r)
		case http.MethodDelete:
			h.respondStop(w, h.ctrl.CancelImage())
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case path == string(task.ModeLive):
		switch r.Method {
		case http.MethodPost:
			id, err := h.ctrl.StartLive()
			h.respondStart(w, id, err)
		case http.MethodDelete:
			h.respondStop(w, h.ctrl.EndLive())
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case strings.HasSuffix(path, "/result"):
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.result(w, r, strings.TrimSuffix(path, "/result"))

	case !strings.Contains(path, "/"):
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.get(w, r, path)

	default:
		http.NotFound(w, r)
	}
}

// Request and response types

type startImageRequest struct {
	Path string `json:"path"`
}

type startResponse struct {
	ID string `json:"id"`
}

type taskResponse struct {
	ID         string `json:"id"`
	Mode       string `json:"mode"`
	Source     string `json:"source"`
	Outcome    string `json:"outcome,omitempty"`
	ResultPath string `json:"result_path,omitempty"`
	Error      string `json:"error,omitempty"`
	Running    bool   `json:"running"`
	CreatedAt  string `json:"created_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type listTasksResponse struct {
	Tasks []taskResponse `json:"tasks"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toResponse(t *store.Task) taskResponse {
	resp := taskResponse{
		ID:         t.ID,
		Mode:       t.Mode,
		Source:     t.Source,
		Outcome:    t.Outcome,
		ResultPath: t.ResultPath,
		Error:      t.Error,
		Running:    t.Running(),
		CreatedAt:  t.CreatedAt.Format(time.RFC3339),
	}
	if t.FinishedAt != nil {
		resp.FinishedAt = t.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrNoInput), errors.Is(err, task.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrBusy), errors.Is(err, task.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *TaskHandler) respondStart(w http.ResponseWriter, id string, err error) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{ID: id})
}

func (h *TaskHandler) respondStop(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startImage handles POST /api/tasks/image with either a multipart "image"
// upload or a JSON body naming a local file.
func (h *TaskHandler) startImage(w http.ResponseWriter, r *http.Request) {
	var path string
	uploaded := false

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		saved, err := h.saveUpload(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		path, uploaded = saved, saved != ""
	} else {
		var req startImageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		path = req.Path
	}

	id, err := h.ctrl.StartImage(path)
	if err != nil && uploaded {
		os.Remove(path)
	}
	h.respondStart(w, id, err)
}

// saveUpload stores the "image" form file under the upload directory and
// returns its path. A form without the field yields an empty path.
func (h *TaskHandler) saveUpload(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return "", fmt.Errorf("invalid upload: %w", err)
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("invalid upload: %w", err)
	}
	defer file.Close()

	if err := os.MkdirAll(h.uploadDir, 0755); err != nil {
		log.Printf("Failed to create upload directory: %v", err)
		return "", errors.New("upload directory unavailable")
	}

	name := uuid.New().String() + "-" + filepath.Base(header.Filename)
	path := filepath.Join(h.uploadDir, name)

	out, err := os.Create(path)
	if err != nil {
		log.Printf("Failed to create upload file: %v", err)
		return "", errors.New("upload could not be saved")
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		os.Remove(path)
		return "", errors.New("upload could not be saved")
	}

	return path, nil
}

// list handles GET /api/tasks and returns the session log, newest first.
func (h *TaskHandler) list(w http.ResponseWriter, r *http.Request) {
	if h.log == nil {
		writeJSON(w, http.StatusOK, listTasksResponse{Tasks: []taskResponse{}})
		return
	}

	tasks, err := h.log.List(0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}

	response := listTasksResponse{Tasks: make([]taskResponse, 0, len(tasks))}
	for _, t := range tasks {
		response.Tasks = append(response.Tasks, toResponse(t))
	}
	writeJSON(w, http.StatusOK, response)
}

// get handles GET /api/tasks/{id}.
func (h *TaskHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	t, ok := h.lookup(w, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toResponse(t))
}

func (h *TaskHandler) lookup(w http.ResponseWriter, id string) (*store.Task, bool) {
	if h.log == nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return nil, false
	}

	t, err := h.log.GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Task not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "Failed to get task")
		return nil, false
	}
	return t, true
}
