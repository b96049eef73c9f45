package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/throw-if-null/taskrelay/internal/api"
	"github.com/throw-if-null/taskrelay/internal/orchestrator"
	"github.com/throw-if-null/taskrelay/internal/paths"
	"github.com/throw-if-null/taskrelay/internal/task"
)

// Tasks is the subset of the orchestrator the HTTP surface drives.
type Tasks interface {
	Submit(ctx context.Context, req *api.CreateTaskRequest) (*api.Task, error)
	Get(ctx context.Context, id string) (*api.Task, error)
	List(ctx context.Context, limit int) ([]*api.Task, error)
	Interrupt(ctx context.Context, id string) (*api.Task, error)
	Rollback(ctx context.Context, id string) (*api.Task, error)
	Delete(ctx context.Context, id string) error
	ForwardResponse(ctx context.Context, taskID, interactionID, response string) error
	Interactions(ctx context.Context, id string) ([]*api.Interaction, error)
}

// maximum request body we decode
const maxBodyBytes = 1 << 20

type Server struct {
	tasks Tasks
	ws    http.Handler
	log   *slog.Logger
}

// NewServer returns a server for tasks. ws serves the relay endpoint and may
// be nil, in which case /v1/ws is not routed.
func NewServer(tasks Tasks, ws http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{tasks: tasks, ws: ws, log: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{task_id}", s.handleGetTask)
	mux.HandleFunc("DELETE /v1/tasks/{task_id}", s.handleDeleteTask)
	mux.HandleFunc("POST /v1/tasks/{task_id}/interrupt", s.handleInterruptTask)
	mux.HandleFunc("POST /v1/tasks/{task_id}/rollback", s.handleRollbackTask)
	mux.HandleFunc("POST /v1/tasks/{task_id}/interact", s.handleInteract)
	mux.HandleFunc("GET /v1/tasks/{task_id}/interactions", s.handleListInteractions)
	mux.HandleFunc("GET /v1/tasks/{task_id}/output", s.handleGetOutput)
	if s.ws != nil {
		mux.Handle("GET /v1/ws", s.ws)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Description == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "description and type are required")
		return
	}

	t, err := s.tasks.Submit(r.Context(), &req)
	if t == nil && err != nil {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		// the task exists but its start was not recorded cleanly
		s.log.Warn("submit", "task_id", t.ID, "err", err)
	}

	resp := api.CreateTaskResponse{ID: t.ID, Status: t.Status, Message: "Task created and started successfully"}
	if t.Status == api.StatusPending && t.ScheduledFor != nil {
		resp.Message = "Task scheduled successfully"
		resp.ScheduledFor = t.ScheduledFor
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	tasks, err := s.tasks.List(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*api.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFrom(w, r)
	if !ok {
		return
	}
	t, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFrom(w, r)
	if !ok {
		return
	}
	if err := s.tasks.Delete(r.Context(), taskID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MessageResponse{Message: "Task deleted successfully"})
}

func (s *Server) handleInterruptTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFrom(w, r)
	if !ok {
		return
	}
	// the task is interrupted in memory even when persisting it fails
	if t, err := s.tasks.Interrupt(r.Context(), taskID); err != nil && t == nil {
		s.fail(w, r, err)
		return
	} else if err != nil {
		s.log.Warn("interrupt", "task_id", taskID, "err", err)
	}
	writeJSON(w, http.StatusOK, api.MessageResponse{Message: "Task interrupted successfully"})
}

func (s *Server) handleRollbackTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFrom(w, r)
	if !ok {
		return
	}
	if t, err := s.tasks.Rollback(r.Context(), taskID); err != nil && t == nil {
		s.fail(w, r, err)
		return
	} else if err != nil {
		s.log.Warn("rollback", "task_id", taskID, "err", err)
	}
	writeJSON(w, http.StatusOK, api.MessageResponse{Message: "Task rolled back successfully"})
}

func (s *Server) handleInteract(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFrom(w, r)
	if !ok {
		return
	}
	var req api.InteractRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.InteractionID == "" || req.Response == nil {
		writeError(w, http.StatusBadRequest, "interactionId and response are required")
		return
	}
	if err := s.tasks.ForwardResponse(r.Context(), taskID, req.InteractionID, *req.Response); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MessageResponse{Message: "Interaction response sent successfully"})
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFrom(w, r)
	if !ok {
		return
	}
	items, err := s.tasks.Interactions(r.Context(), taskID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []*api.Interaction{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFrom(w, r)
	if !ok {
		return
	}
	t, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := t.Output
	if v := r.URL.Query().Get("tail"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid tail")
			return
		}
		out = tailLines(out, n)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Taskrelay-Status", string(t.Status))
	_, _ = w.Write([]byte(out))
}

// fail maps an orchestrator error onto a status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, orchestrator.ErrInteractionNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, orchestrator.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func taskIDFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid task_id")
		return "", false
	}
	return taskID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, api.ErrorResponse{Error: msg})
}

func tailLines(s string, n int) string {
	if n == 0 {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	// a trailing newline leaves an empty last element
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if n >= len(lines) {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
