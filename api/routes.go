// Package api registers the HTTP routes.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/l429609201/danmu-api-server/handlers"
)

// NewRouter builds the full route table: the dandanplay-compatible API,
// the admin/UI API and the webhook endpoint.
func NewRouter(h *handlers.Handler) *mux.Router {
	r := mux.NewRouter()

	// dandanplay-compatible surface, token in the path.
	compat := r.PathPrefix("/api/v1/{token}").Subrouter()
	compat.HandleFunc("/search/anime", h.WithToken(h.CompatSearchAnime)).Methods(http.MethodGet)
	compat.HandleFunc("/match", h.WithToken(h.CompatMatch)).Methods(http.MethodGet)
	compat.HandleFunc("/comment/{episodeId:[0-9]+}", h.WithToken(h.CompatComments)).Methods(http.MethodGet)

	// Admin/UI surface.
	ui := r.PathPrefix("/api/ui").Subrouter()

	ui.HandleFunc("/search", h.ProviderSearch).Methods(http.MethodGet)
	ui.HandleFunc("/search/episodes", h.ProviderEpisodes).Methods(http.MethodGet)

	ui.HandleFunc("/import", h.Import).Methods(http.MethodPost)
	ui.HandleFunc("/import/edited", h.EditedImport).Methods(http.MethodPost)
	ui.HandleFunc("/import/url", h.ManualImport).Methods(http.MethodPost)

	ui.HandleFunc("/library", h.Library).Methods(http.MethodGet)
	ui.HandleFunc("/library/anime/{animeId:[0-9]+}", h.AnimeDetails).Methods(http.MethodGet)
	ui.HandleFunc("/library/anime/{animeId:[0-9]+}", h.UpdateAnime).Methods(http.MethodPut)
	ui.HandleFunc("/library/anime/{animeId:[0-9]+}", h.DeleteAnime).Methods(http.MethodDelete)
	ui.HandleFunc("/library/anime/{animeId:[0-9]+}/reassociate", h.ReassociateAnime).Methods(http.MethodPost)
	ui.HandleFunc("/library/anime/{animeId:[0-9]+}/sources", h.AnimeSources).Methods(http.MethodGet)

	ui.HandleFunc("/library/source/{sourceId:[0-9]+}/favorite", h.ToggleSourceFavorite).Methods(http.MethodPut)
	ui.HandleFunc("/library/source/{sourceId:[0-9]+}/incremental", h.SetSourceIncremental).Methods(http.MethodPut)
	ui.HandleFunc("/library/source/{sourceId:[0-9]+}/refresh", h.RefreshSource).Methods(http.MethodPost)
	ui.HandleFunc("/library/source/{sourceId:[0-9]+}/reorder", h.ReorderSourceEpisodes).Methods(http.MethodPost)
	ui.HandleFunc("/library/source/{sourceId:[0-9]+}/episodes", h.SourceEpisodes).Methods(http.MethodGet)
	ui.HandleFunc("/library/source/{sourceId:[0-9]+}", h.DeleteSource).Methods(http.MethodDelete)

	ui.HandleFunc("/library/episode/{episodeId:[0-9]+}", h.UpdateEpisode).Methods(http.MethodPut)
	ui.HandleFunc("/library/episode/{episodeId:[0-9]+}", h.DeleteEpisode).Methods(http.MethodDelete)
	ui.HandleFunc("/library/episode/{episodeId:[0-9]+}/refresh", h.RefreshEpisode).Methods(http.MethodPost)
	ui.HandleFunc("/library/episode/{episodeId:[0-9]+}/comments", h.EpisodeComments).Methods(http.MethodGet)

	ui.HandleFunc("/tasks", h.ListTasks).Methods(http.MethodGet)
	ui.HandleFunc("/tasks/{taskId}", h.GetTask).Methods(http.MethodGet)
	ui.HandleFunc("/tasks/{taskId}", h.DeleteTask).Methods(http.MethodDelete)
	ui.HandleFunc("/tasks/{taskId}/pause", h.PauseTask).Methods(http.MethodPost)
	ui.HandleFunc("/tasks/{taskId}/resume", h.ResumeTask).Methods(http.MethodPost)
	ui.HandleFunc("/tasks/{taskId}/abort", h.AbortTask).Methods(http.MethodPost)

	ui.HandleFunc("/scheduled-tasks", h.ListScheduledTasks).Methods(http.MethodGet)
	ui.HandleFunc("/scheduled-tasks", h.CreateScheduledTask).Methods(http.MethodPost)
	ui.HandleFunc("/scheduled-tasks/{id}", h.UpdateScheduledTask).Methods(http.MethodPut)
	ui.HandleFunc("/scheduled-tasks/{id}", h.DeleteScheduledTask).Methods(http.MethodDelete)
	ui.HandleFunc("/scheduled-tasks/{id}/run", h.RunScheduledTask).Methods(http.MethodPost)

	ui.HandleFunc("/scrapers", h.ListScrapers).Methods(http.MethodGet)
	ui.HandleFunc("/scrapers", h.UpdateScrapers).Methods(http.MethodPut)
	ui.HandleFunc("/scrapers/{provider}/config", h.ScraperConfig).Methods(http.MethodGet)
	ui.HandleFunc("/scrapers/{provider}/config", h.UpdateScraperConfig).Methods(http.MethodPut)
	ui.HandleFunc("/scrapers/{provider}/actions/{action}", h.ScraperAction).Methods(http.MethodPost)

	ui.HandleFunc("/metadata-sources", h.ListMetadataSources).Methods(http.MethodGet)
	ui.HandleFunc("/metadata-sources", h.UpdateMetadataSources).Methods(http.MethodPut)

	ui.HandleFunc("/bangumi/auth", h.BangumiAuthState).Methods(http.MethodGet)
	ui.HandleFunc("/bangumi/auth", h.BangumiRevoke).Methods(http.MethodDelete)
	ui.HandleFunc("/bangumi/auth/url", h.BangumiAuthorizeURL).Methods(http.MethodGet)
	ui.HandleFunc("/bangumi/callback", h.BangumiCallback).Methods(http.MethodGet)

	ui.HandleFunc("/tokens", h.ListTokens).Methods(http.MethodGet)
	ui.HandleFunc("/tokens", h.CreateToken).Methods(http.MethodPost)
	ui.HandleFunc("/tokens/{id:[0-9]+}", h.DeleteToken).Methods(http.MethodDelete)
	ui.HandleFunc("/tokens/{id:[0-9]+}/enabled", h.SetTokenEnabled).Methods(http.MethodPut)
	ui.HandleFunc("/tokens/{id:[0-9]+}/logs", h.TokenLogs).Methods(http.MethodGet)

	ui.HandleFunc("/ua-rules", h.ListUARules).Methods(http.MethodGet)
	ui.HandleFunc("/ua-rules", h.AddUARule).Methods(http.MethodPost)
	ui.HandleFunc("/ua-rules/{id:[0-9]+}", h.DeleteUARule).Methods(http.MethodDelete)

	ui.HandleFunc("/webhooks/available", h.WebhookTypes).Methods(http.MethodGet)

	ui.HandleFunc("/config", h.GetConfig).Methods(http.MethodGet)
	ui.HandleFunc("/config", h.PutConfig).Methods(http.MethodPut)
	ui.HandleFunc("/cache/clear", h.ClearCache).Methods(http.MethodPost)

	r.HandleFunc("/api/webhook/{type}", h.Webhook).Methods(http.MethodPost)

	return r
}
