package handlers

import (
	"net/http"

	"github.com/l429609201/danmu-api-server/models"
)

// Import is POST /api/ui/import: queues a full import.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	var req models.ImportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Provider == "" || req.MediaID == "" || req.AnimeTitle == "" {
		writeError(w, http.StatusBadRequest, "provider, mediaId and animeTitle required")
		return
	}
	taskID, err := h.library.QueueImport(r.Context(), &req)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

// EditedImport is POST /api/ui/import/edited: queues an import with a
// caller-curated episode list.
func (h *Handler) EditedImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		models.ImportRequest
		Episodes []models.ProviderEpisodeInfo `json:"episodes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Provider == "" || req.MediaID == "" || req.AnimeTitle == "" {
		writeError(w, http.StatusBadRequest, "provider, mediaId and animeTitle required")
		return
	}
	if len(req.Episodes) == 0 {
		writeError(w, http.StatusBadRequest, "episodes required")
		return
	}
	taskID, err := h.library.QueueEditedImport(r.Context(), &req.ImportRequest, req.Episodes)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

// ManualImport is POST /api/ui/import/url: resolves a raw video page
// URL through the providers and queues the import.
func (h *Handler) ManualImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL        string `json:"url"`
		AnimeTitle string `json:"animeTitle"`
		Type       string `json:"type"`
		Season     int    `json:"season"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" || req.AnimeTitle == "" {
		writeError(w, http.StatusBadRequest, "url and animeTitle required")
		return
	}
	taskID, err := h.library.QueueManualImport(r.Context(), req.URL, req.AnimeTitle, req.Type, req.Season)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}
