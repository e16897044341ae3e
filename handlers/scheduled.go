package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/l429609201/danmu-api-server/models"
)

// ListScheduledTasks is GET /api/ui/scheduled-tasks.
func (h *Handler) ListScheduledTasks(w http.ResponseWriter, r *http.Request) {
	rows, err := h.scheduler.List(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	if rows == nil {
		rows = []models.ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scheduledTasks": rows,
		"jobTypes":       h.scheduler.JobTypes(),
	})
}

// CreateScheduledTask is POST /api/ui/scheduled-tasks.
func (h *Handler) CreateScheduledTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string `json:"name"`
		JobType        string `json:"jobType"`
		CronExpression string `json:"cronExpression"`
		IsEnabled      bool   `json:"isEnabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	created, err := h.scheduler.Create(r.Context(), req.Name, req.JobType, req.CronExpression, req.IsEnabled)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateScheduledTask is PUT /api/ui/scheduled-tasks/{id}.
func (h *Handler) UpdateScheduledTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string `json:"name"`
		CronExpression string `json:"cronExpression"`
		IsEnabled      bool   `json:"isEnabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	updated, err := h.scheduler.Update(r.Context(), mux.Vars(r)["id"], req.Name, req.CronExpression, req.IsEnabled)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteScheduledTask is DELETE /api/ui/scheduled-tasks/{id}.
func (h *Handler) DeleteScheduledTask(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// RunScheduledTask is POST /api/ui/scheduled-tasks/{id}/run.
func (h *Handler) RunScheduledTask(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.RunNow(r.Context(), mux.Vars(r)["id"]); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}
