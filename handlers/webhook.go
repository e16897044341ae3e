package handlers

import (
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/l429609201/danmu-api-server/config"
	"github.com/l429609201/danmu-api-server/models"
)

// webhookPayload accepts both the generic shape and the Emby/Jellyfin
// notification's Item block.
type webhookPayload struct {
	Title   string `json:"title"`
	Season  int    `json:"season"`
	Episode int    `json:"episode"`
	Item    struct {
		SeriesName        string `json:"SeriesName"`
		Name              string `json:"Name"`
		ParentIndexNumber int    `json:"ParentIndexNumber"`
		IndexNumber       int    `json:"IndexNumber"`
	} `json:"Item"`
}

// webhookTypes is the set of media servers a notification may claim to
// come from. Anything else is a 404, not a guess.
var webhookTypes = map[string]bool{
	"emby":     true,
	"jellyfin": true,
}

// WebhookTypes is GET /api/ui/webhooks/available.
func (h *Handler) WebhookTypes(w http.ResponseWriter, r *http.Request) {
	out := make([]string, 0, len(webhookTypes))
	for name := range webhookTypes {
		out = append(out, name)
	}
	sort.Strings(out)
	writeJSON(w, http.StatusOK, out)
}

// Webhook is POST /api/webhook/{type}?api_key=: a media-server
// notification queues a search-and-import for the named episode.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	configured, err := h.db.GetConfigValue(ctx, config.KeyWebhookAPIKey, "")
	if err != nil {
		serviceError(w, err)
		return
	}
	supplied := r.URL.Query().Get("api_key")
	if configured == "" || subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	source := mux.Vars(r)["type"]
	if !webhookTypes[source] {
		writeError(w, http.StatusNotFound, "unknown webhook type "+source)
		return
	}

	var payload webhookPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	title := payload.Title
	season, episode := payload.Season, payload.Episode
	if title == "" {
		title = payload.Item.SeriesName
		if title == "" {
			title = payload.Item.Name
		}
		season = payload.Item.ParentIndexNumber
		episode = payload.Item.IndexNumber
	}
	if title == "" {
		writeError(w, http.StatusBadRequest, "no title in payload")
		return
	}

	log.Printf("[webhook] %s: %s S%dE%d", source, title, season, episode)

	keyword := title
	if season > 1 {
		keyword = fmt.Sprintf("%s S%d", title, season)
	}
	results, err := h.search.Search(ctx, keyword)
	if err != nil {
		serviceError(w, err)
		return
	}
	if len(results) == 0 {
		writeError(w, http.StatusNotFound, "no provider result for "+title)
		return
	}

	best := results[0]
	req := &models.ImportRequest{
		Provider:            best.Provider,
		MediaID:             best.MediaID,
		AnimeTitle:          best.Title,
		Type:                best.Type,
		Season:              best.Season,
		CurrentEpisodeIndex: episode,
		ImageURL:            best.ImageURL,
	}
	taskID, err := h.library.QueueImport(ctx, req)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}
