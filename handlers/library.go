package handlers

import (
	"net/http"

	"github.com/l429609201/danmu-api-server/models"
)

// ProviderSearch is GET /api/ui/search?keyword=: runs the scraper
// fan-out search.
func (h *Handler) ProviderSearch(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	if keyword == "" {
		writeError(w, http.StatusBadRequest, "keyword required")
		return
	}
	results, err := h.search.Search(r.Context(), keyword)
	if err != nil {
		serviceError(w, err)
		return
	}
	if results == nil {
		results = []models.ProviderSearchInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ProviderEpisodes is GET /api/ui/search/episodes: previews a media's
// episode list before import.
func (h *Handler) ProviderEpisodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := q.Get("provider")
	mediaID := q.Get("mediaId")
	if provider == "" || mediaID == "" {
		writeError(w, http.StatusBadRequest, "provider and mediaId required")
		return
	}
	sc, err := h.registry.Get(provider)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	mediaType := q.Get("type")
	episodes, err := sc.GetEpisodes(r.Context(), mediaID, 0, mediaType)
	if err != nil {
		serviceError(w, err)
		return
	}
	if episodes == nil {
		episodes = []models.ProviderEpisodeInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"episodes": episodes})
}

// Library is GET /api/ui/library.
func (h *Handler) Library(w http.ResponseWriter, r *http.Request) {
	animes, err := h.library.List(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	if animes == nil {
		animes = []models.LibraryAnime{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"animes": animes})
}

// AnimeDetails is GET /api/ui/library/anime/{animeId}.
func (h *Handler) AnimeDetails(w http.ResponseWriter, r *http.Request) {
	animeID, err := pathInt64(r, "animeId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed anime id")
		return
	}
	details, err := h.library.Details(r.Context(), animeID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// UpdateAnime is PUT /api/ui/library/anime/{animeId}.
func (h *Handler) UpdateAnime(w http.ResponseWriter, r *http.Request) {
	animeID, err := pathInt64(r, "animeId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed anime id")
		return
	}
	var details models.AnimeDetails
	if !decodeBody(w, r, &details) {
		return
	}
	details.AnimeID = animeID
	if err := h.library.UpdateDetails(r.Context(), &details); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// DeleteAnime is DELETE /api/ui/library/anime/{animeId}: runs as a task.
func (h *Handler) DeleteAnime(w http.ResponseWriter, r *http.Request) {
	animeID, err := pathInt64(r, "animeId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed anime id")
		return
	}
	taskID, err := h.library.DeleteAnime(r.Context(), animeID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

// ReassociateAnime is POST /api/ui/library/anime/{animeId}/reassociate.
func (h *Handler) ReassociateAnime(w http.ResponseWriter, r *http.Request) {
	fromID, err := pathInt64(r, "animeId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed anime id")
		return
	}
	var req struct {
		TargetAnimeID int64 `json:"targetAnimeId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.library.Reassociate(r.Context(), fromID, req.TargetAnimeID); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// AnimeSources is GET /api/ui/library/anime/{animeId}/sources.
func (h *Handler) AnimeSources(w http.ResponseWriter, r *http.Request) {
	animeID, err := pathInt64(r, "animeId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed anime id")
		return
	}
	sources, err := h.library.Sources(r.Context(), animeID)
	if err != nil {
		serviceError(w, err)
		return
	}
	if sources == nil {
		sources = []models.Source{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// ToggleSourceFavorite is PUT /api/ui/library/source/{sourceId}/favorite.
func (h *Handler) ToggleSourceFavorite(w http.ResponseWriter, r *http.Request) {
	sourceID, err := pathInt64(r, "sourceId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed source id")
		return
	}
	favorited, err := h.library.ToggleFavorite(r.Context(), sourceID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isFavorited": favorited})
}

// SetSourceIncremental is PUT /api/ui/library/source/{sourceId}/incremental.
func (h *Handler) SetSourceIncremental(w http.ResponseWriter, r *http.Request) {
	sourceID, err := pathInt64(r, "sourceId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed source id")
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.library.SetIncrementalRefresh(r.Context(), sourceID, req.Enabled); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// RefreshSource is POST /api/ui/library/source/{sourceId}/refresh.
func (h *Handler) RefreshSource(w http.ResponseWriter, r *http.Request) {
	sourceID, err := pathInt64(r, "sourceId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed source id")
		return
	}
	taskID, err := h.library.QueueRefreshSource(r.Context(), sourceID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

// DeleteSource is DELETE /api/ui/library/source/{sourceId}.
func (h *Handler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	sourceID, err := pathInt64(r, "sourceId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed source id")
		return
	}
	taskID, err := h.library.DeleteSource(r.Context(), sourceID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

// SourceEpisodes is GET /api/ui/library/source/{sourceId}/episodes.
func (h *Handler) SourceEpisodes(w http.ResponseWriter, r *http.Request) {
	sourceID, err := pathInt64(r, "sourceId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed source id")
		return
	}
	episodes, err := h.library.Episodes(r.Context(), sourceID)
	if err != nil {
		serviceError(w, err)
		return
	}
	if episodes == nil {
		episodes = []models.Episode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"episodes": episodes})
}

// ReorderSourceEpisodes is POST /api/ui/library/source/{sourceId}/reorder.
func (h *Handler) ReorderSourceEpisodes(w http.ResponseWriter, r *http.Request) {
	sourceID, err := pathInt64(r, "sourceId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed source id")
		return
	}
	taskID, err := h.library.ReorderEpisodes(r.Context(), sourceID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

// UpdateEpisode is PUT /api/ui/library/episode/{episodeId}.
func (h *Handler) UpdateEpisode(w http.ResponseWriter, r *http.Request) {
	episodeID, err := pathInt64(r, "episodeId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed episode id")
		return
	}
	var req struct {
		Title        string `json:"title"`
		EpisodeIndex int    `json:"episodeIndex"`
		SourceURL    string `json:"sourceUrl"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EpisodeIndex <= 0 {
		writeError(w, http.StatusBadRequest, "episodeIndex must be positive")
		return
	}
	if err := h.library.UpdateEpisode(r.Context(), episodeID, req.Title, req.EpisodeIndex, req.SourceURL); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// RefreshEpisode is POST /api/ui/library/episode/{episodeId}/refresh.
func (h *Handler) RefreshEpisode(w http.ResponseWriter, r *http.Request) {
	episodeID, err := pathInt64(r, "episodeId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed episode id")
		return
	}
	taskID, err := h.library.QueueRefreshEpisode(r.Context(), episodeID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

// DeleteEpisode is DELETE /api/ui/library/episode/{episodeId}.
func (h *Handler) DeleteEpisode(w http.ResponseWriter, r *http.Request) {
	episodeID, err := pathInt64(r, "episodeId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed episode id")
		return
	}
	taskID, err := h.library.DeleteEpisode(r.Context(), episodeID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

// EpisodeComments is GET /api/ui/library/episode/{episodeId}/comments.
func (h *Handler) EpisodeComments(w http.ResponseWriter, r *http.Request) {
	episodeID, err := pathInt64(r, "episodeId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed episode id")
		return
	}
	comments, err := h.db.CommentsForEpisode(r.Context(), episodeID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(comments),
		"comments": comments,
	})
}
