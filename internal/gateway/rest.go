package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/shared"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// requireScope writes 403 and records the denial when the caller's key lacks
// scope.
func requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	if allowsScope(r.Context(), scope) {
		return true
	}
	audit.Record(r.Context(), audit.Deny, scope, audit.NoTask, shared.Principal(r.Context()), "missing_scope")
	writeError(w, http.StatusForbidden, http.StatusForbidden, "missing_scope", errScope.Error()+": "+scope)
	return false
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, config.ScopeWrite) {
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, http.StatusBadRequest, "invalid_request", "read body: "+err.Error())
		return
	}
	req, err := s.validator.decodeCreate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.createTask(r.Context(), req)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	w.Header().Set("Location", "/api/tasks/"+strconv.FormatUint(task.ID, 10))
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, config.ScopeRead) {
		return
	}
	writeJSON(w, http.StatusOK, s.listTasks(r.Context()))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, config.ScopeRead) {
		return
	}
	id, ok := parseTaskID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusBadRequest, http.StatusBadRequest, "invalid_request", "task id must be a non-negative integer")
		return
	}
	task, err := s.getTask(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, config.ScopeWrite) {
		return
	}
	id, ok := parseTaskID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusBadRequest, http.StatusBadRequest, "invalid_request", "task id must be a non-negative integer")
		return
	}
	task, err := s.completeTask(r.Context(), id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleTaskEvents returns the journal history of one task, oldest first.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, config.ScopeRead) {
		return
	}
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, http.StatusServiceUnavailable, "journal_disabled", "event journal is disabled")
		return
	}
	id, ok := parseTaskID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusBadRequest, http.StatusBadRequest, "invalid_request", "task id must be a non-negative integer")
		return
	}
	if _, err := s.getTask(id); err != nil {
		writeRegistryError(w, err)
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), uint64(id), limit)
	if err != nil {
		s.logger.Error("list task events failed", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusInternalServerError, "journal_error", "failed to read task events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": uint64(id),
		"events":  events,
	})
}
