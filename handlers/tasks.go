package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/l429609201/danmu-api-server/models"
)

// ListTasks is GET /api/ui/tasks?search=&limit=.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	tasks, err := h.db.ListTasks(r.Context(), q.Get("search"), limit)
	if err != nil {
		serviceError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.TaskInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// GetTask is GET /api/ui/tasks/{taskId}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	info, err := h.db.GetTask(r.Context(), mux.Vars(r)["taskId"])
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// PauseTask is POST /api/ui/tasks/{taskId}/pause. Pausing anything but
// the currently running task answers 409.
func (h *Handler) PauseTask(w http.ResponseWriter, r *http.Request) {
	if err := h.tasks.Pause(r.Context(), mux.Vars(r)["taskId"]); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ResumeTask is POST /api/ui/tasks/{taskId}/resume.
func (h *Handler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	if err := h.tasks.Resume(r.Context(), mux.Vars(r)["taskId"]); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// AbortTask is POST /api/ui/tasks/{taskId}/abort.
func (h *Handler) AbortTask(w http.ResponseWriter, r *http.Request) {
	if err := h.tasks.Abort(r.Context(), mux.Vars(r)["taskId"]); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// DeleteTask is DELETE /api/ui/tasks/{taskId}: aborts first if needed.
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.tasks.Delete(r.Context(), mux.Vars(r)["taskId"]); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
