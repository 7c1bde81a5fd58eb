// Package api exposes the Task Service operation set (spec.md §6) over
// net/http.ServeMux path-pattern routes, adapted from the teacher's
// server/api.Handlers: a struct bundling its collaborators as fields set
// at construction, one handler method per operation, JSON in and out.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/taskforge/engine/engine/events"
	"github.com/taskforge/engine/engine/service"
	"github.com/taskforge/engine/engine/task"
)

// Handlers bundles the Task Service and its read-side collaborators, the
// way the teacher's Handlers bundles Agents/Tasks/Bus/Logger.
type Handlers struct {
	Service *service.Service
	Bus     *events.InMemoryBus
	Logger  *slog.Logger
	Version string
}

// RegisterRoutes registers every operation in spec.md §6's table on mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("POST /api/tasks/hierarchy", h.createHierarchy)
	mux.HandleFunc("GET /api/tasks", h.listOwnerTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.updateQueued)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancel)
	mux.HandleFunc("POST /api/tasks/{id}/cancel-subtree", h.cancelSubtree)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("DELETE /api/tasks/{id}/subtree", h.deleteSubtree)
	mux.HandleFunc("POST /api/tasks/{id}/subtasks", h.addSubtask)
	mux.HandleFunc("POST /api/tasks/{id}/output", h.setOutput)
	mux.HandleFunc("POST /api/tasks/{id}/payload", h.updateQueuedPayload)
	mux.HandleFunc("GET /api/tasks/{id}/history", h.history)
	mux.HandleFunc("GET /api/status", h.status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps the spec.md §7 error kinds onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, task.ErrInvalidState), errors.Is(err, task.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// OwnerContextKey is the context key the auth middleware (server/auth.go)
// stashes the authenticated subject under; exported so the importing
// server package can set the same key this package reads back out.
type OwnerContextKey struct{}

// owner extracts the authenticated principal the auth middleware attached
// to the request context.
func owner(r *http.Request) string {
	if v, ok := r.Context().Value(OwnerContextKey{}).(string); ok {
		return v
	}
	return ""
}

// authToken is the opaque token the spec passes through untouched
// (spec.md §1's "pass an opaque auth_token through").
func authToken(r *http.Request) string {
	return r.Header.Get("X-Auth-Token")
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req task.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Service.Create(req, owner(r), authToken(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) createHierarchy(w http.ResponseWriter, r *http.Request) {
	var req task.HierarchyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	root, err := h.Service.CreateHierarchy(req, owner(r), authToken(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, root)
}

func (h *Handlers) listOwnerTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Service.ListOwnerTasks(owner(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Item{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.Service.Get(id, owner(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateQueuedRequest struct {
	Priority *int    `json:"priority,omitempty"`
	Payload  *string `json:"payload,omitempty"`
}

func (h *Handlers) updateQueued(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateQueuedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Service.Update(id, owner(r), req.Priority, req.Payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.Service.Cancel(id, owner(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) cancelSubtree(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Service.CancelSubtree(id, owner(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Service.Delete(id, owner(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) deleteSubtree(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Service.DeleteSubtree(id, owner(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) addSubtask(w http.ResponseWriter, r *http.Request) {
	parentID := r.PathValue("id")
	var req task.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	child, err := h.Service.AddSubtask(parentID, req, owner(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, child)
}

func (h *Handlers) setOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Output string `json:"output"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.Service.SetOutput(id, body.Output); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) updateQueuedPayload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.Service.UpdateQueuedPayload(id, body.Payload); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// history surfaces the publisher's per-task event history — not part of
// the spec's core, but a small convenience the reference bus already
// supports (spec.md §1 calls full history ring buffers out of scope for
// the core; this is just the InMemoryBus's own retained window).
func (h *Handlers) history(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, h.Bus.History(id, limit))
}

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.Version})
}
