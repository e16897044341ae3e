package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/l429609201/danmu-api-server/config"
	"github.com/l429609201/danmu-api-server/internal/danmaku"
	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
	"github.com/l429609201/danmu-api-server/services/library"
	"github.com/l429609201/danmu-api-server/services/metadata"
	"github.com/l429609201/danmu-api-server/services/scheduler"
	"github.com/l429609201/danmu-api-server/services/scraper"
	"github.com/l429609201/danmu-api-server/services/search"
	"github.com/l429609201/danmu-api-server/services/task"
)

// newTestHandler wires the full stack over an in-memory database, with
// no scraper providers registered.
func newTestHandler(t *testing.T) (*Handler, *database.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	registry := scraper.NewRegistry(db)
	if err := registry.Sync(ctx); err != nil {
		t.Fatalf("registry sync: %v", err)
	}
	meta := metadata.NewManager(db)
	if err := meta.Sync(ctx); err != nil {
		t.Fatalf("metadata sync: %v", err)
	}
	tasks := task.NewManager(db)
	if err := tasks.Start(ctx); err != nil {
		t.Fatalf("task start: %v", err)
	}
	t.Cleanup(tasks.Stop)

	lib := library.NewService(db, registry, meta, tasks, nil)
	searchSvc := search.NewService(db, registry, meta)
	sched := scheduler.NewService(db, tasks)
	sched.RegisterDefaults(lib, meta)

	return New(db, searchSvc, lib, tasks, sched, meta, registry), db
}

// newTestRouter registers the compat routes the way api.NewRouter does,
// without importing it (that would be a cycle from this package's tests).
func newTestRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	compat := r.PathPrefix("/api/v1/{token}").Subrouter()
	compat.HandleFunc("/search/anime", h.WithToken(h.CompatSearchAnime)).Methods(http.MethodGet)
	compat.HandleFunc("/match", h.WithToken(h.CompatMatch)).Methods(http.MethodGet)
	compat.HandleFunc("/comment/{episodeId:[0-9]+}", h.WithToken(h.CompatComments)).Methods(http.MethodGet)

	ui := r.PathPrefix("/api/ui").Subrouter()
	ui.HandleFunc("/tasks", h.ListTasks).Methods(http.MethodGet)
	ui.HandleFunc("/tasks/{taskId}/pause", h.PauseTask).Methods(http.MethodPost)
	ui.HandleFunc("/scheduled-tasks", h.CreateScheduledTask).Methods(http.MethodPost)
	ui.HandleFunc("/ua-rules", h.AddUARule).Methods(http.MethodPost)

	r.HandleFunc("/api/webhook/{type}", h.Webhook).Methods(http.MethodPost)
	return r
}

// seedEpisode creates one work with one source and one episode carrying
// two comments, returning the episode id.
func seedEpisode(t *testing.T, db *database.DB) int64 {
	t.Helper()
	ctx := context.Background()

	animeID, err := db.GetOrCreateAnime(ctx, "葬送的芙莉莲", models.MediaTypeTVSeries, 1, "", "")
	if err != nil {
		t.Fatalf("create anime: %v", err)
	}
	sourceID, err := db.LinkSource(ctx, animeID, "bilibili", "ss1")
	if err != nil {
		t.Fatalf("link source: %v", err)
	}
	episodeID, err := db.CreateEpisodeIfAbsent(ctx, sourceID, &models.ProviderEpisodeInfo{
		Provider: "bilibili", EpisodeID: "ep1", Title: "第1集", EpisodeIndex: 1,
	})
	if err != nil {
		t.Fatalf("create episode: %v", err)
	}
	_, err = db.BulkInsertComments(ctx, episodeID, []danmaku.Comment{
		{CID: "a", P: danmaku.PackParams(1.5, 1, 16777215, "bilibili"), M: "前方高能", T: 1.5},
		{CID: "b", P: danmaku.PackParams(3, 1, 16777215, "bilibili"), M: "泪目", T: 3},
	})
	if err != nil {
		t.Fatalf("insert comments: %v", err)
	}
	return episodeID
}

func newToken(t *testing.T, db *database.DB) string {
	t.Helper()
	if _, err := db.CreateAPIToken(context.Background(), "test", "tok123", nil); err != nil {
		t.Fatalf("create token: %v", err)
	}
	return "tok123"
}

func TestCompatCommentsReturnsStoredComments(t *testing.T) {
	h, db := newTestHandler(t)
	episodeID := seedEpisode(t, db)
	token := newToken(t, db)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/"+token+"/comment/"+strconv.FormatInt(episodeID, 10), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var reply struct {
		Count    int `json:"count"`
		Comments []struct {
			CID int64  `json:"cid"`
			P   string `json:"p"`
			M   string `json:"m"`
		} `json:"comments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Count != 2 || len(reply.Comments) != 2 {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Comments[0].M != "前方高能" {
		t.Fatalf("comments not ordered by time: %+v", reply.Comments)
	}
	// cids are the database row ids, not positional counters.
	if reply.Comments[0].CID == 0 || reply.Comments[0].CID == reply.Comments[1].CID {
		t.Fatalf("cids not database ids: %+v", reply.Comments)
	}
}

func TestCompatCommentsUnknownEpisodeIs404(t *testing.T) {
	h, db := newTestHandler(t)
	seedEpisode(t, db)
	token := newToken(t, db)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/"+token+"/comment/25999999990001", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCompatRejectsUnknownToken(t *testing.T) {
	h, db := newTestHandler(t)
	seedEpisode(t, db)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wrong/search/anime?keyword=x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCompatRejectsDisabledToken(t *testing.T) {
	h, db := newTestHandler(t)
	ctx := context.Background()
	id, err := db.CreateAPIToken(ctx, "off", "tokoff", nil)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if err := db.SetAPITokenEnabled(ctx, id, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tokoff/search/anime?keyword=x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}

	logs, err := db.TokenAccessLogs(ctx, id, 10)
	if err != nil || len(logs) != 1 || logs[0].Status != database.TokenAccessDenied {
		t.Fatalf("logs = %+v, err %v", logs, err)
	}
}

func TestCompatBlocksDeniedUserAgent(t *testing.T) {
	h, db := newTestHandler(t)
	ctx := context.Background()
	token := newToken(t, db)
	if _, err := db.AddUARule(ctx, "BadPlayer"); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/"+token+"/search/anime?keyword=x", nil)
	req.Header.Set("User-Agent", "BadPlayer/1.0")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCompatMatchFindsEpisodeFromFileName(t *testing.T) {
	h, db := newTestHandler(t)
	seedEpisode(t, db)
	token := newToken(t, db)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/"+token+"/match?fileName="+
			"%E8%91%AC%E9%80%81%E7%9A%84%E8%8A%99%E8%8E%89%E8%8E%B2%20S01E01.mkv", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var reply struct {
		IsMatched bool                 `json:"isMatched"`
		Matches   []models.MatchResult `json:"matches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reply.IsMatched || len(reply.Matches) != 1 {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Matches[0].AnimeTitle != "葬送的芙莉莲" || reply.Matches[0].EpisodeTitle != "第1集" {
		t.Fatalf("match = %+v", reply.Matches[0])
	}
}

func TestCompatSearchAnimeListsLibrary(t *testing.T) {
	h, db := newTestHandler(t)
	seedEpisode(t, db)
	token := newToken(t, db)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/"+token+"/search/anime?keyword=%E8%8A%99%E8%8E%89%E8%8E%B2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var reply struct {
		HasMore bool `json:"hasMore"`
		Animes  []struct {
			AnimeID    int64  `json:"animeId"`
			AnimeTitle string `json:"animeTitle"`
			Type       string `json:"type"`
			Rating     int    `json:"rating"`
		} `json:"animes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.HasMore || len(reply.Animes) != 1 {
		t.Fatalf("reply = %s", rec.Body.String())
	}
	a := reply.Animes[0]
	if a.AnimeTitle != "葬送的芙莉莲" || a.Type != models.MediaTypeTVSeries || a.Rating != 0 {
		t.Fatalf("anime = %+v", a)
	}
	if !strings.Contains(rec.Body.String(), `"imageUrl"`) {
		t.Fatalf("imageUrl field missing: %s", rec.Body.String())
	}
}

func TestWebhookUnknownTypeIs404(t *testing.T) {
	h, db := newTestHandler(t)
	ctx := context.Background()
	if err := db.SetConfigValue(ctx, config.KeyWebhookAPIKey, "hook-key"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	router := newTestRouter(h)

	body := `{"title":"某剧","season":1,"episode":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/sonarr?api_key=hook-key", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookRejectsBadKey(t *testing.T) {
	h, db := newTestHandler(t)
	ctx := context.Background()
	if err := db.SetConfigValue(ctx, config.KeyWebhookAPIKey, "hook-key"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/emby?api_key=wrong", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestPauseUnknownTaskAnswers409(t *testing.T) {
	h, _ := newTestHandler(t)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/api/ui/tasks/nope/pause", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCreateScheduledTaskRejectsUnknownJobType(t *testing.T) {
	h, _ := newTestHandler(t)
	router := newTestRouter(h)

	body := `{"name":"x","jobType":"bogus","cronExpression":"* * * * *","isEnabled":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/ui/scheduled-tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}
