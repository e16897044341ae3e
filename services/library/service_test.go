package library

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/l429609201/danmu-api-server/internal/danmaku"
	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
	"github.com/l429609201/danmu-api-server/services/scraper"
	"github.com/l429609201/danmu-api-server/services/task"
)

// fakeScraper serves a fixed episode list and per-episode comments.
type fakeScraper struct {
	name           string
	episodes       []models.ProviderEpisodeInfo
	comments       map[string][]danmaku.Comment
	commentErrs    map[string]error
	reportProgress bool
}

func (f *fakeScraper) ProviderName() string                  { return f.name }
func (f *fakeScraper) ConfigurableFields() map[string]string { return nil }
func (f *fakeScraper) Loggable() bool                        { return false }
func (f *fakeScraper) Close() error                          { return nil }
func (f *fakeScraper) Search(ctx context.Context, keyword string, hint *scraper.EpisodeHint) ([]models.ProviderSearchInfo, error) {
	return nil, nil
}
func (f *fakeScraper) GetEpisodes(ctx context.Context, mediaID string, targetIndex int, dbMediaType string) ([]models.ProviderEpisodeInfo, error) {
	return f.episodes, nil
}
func (f *fakeScraper) GetComments(ctx context.Context, providerEpisodeID string, progress scraper.ProgressFunc) ([]danmaku.Comment, error) {
	if err := f.commentErrs[providerEpisodeID]; err != nil {
		return nil, err
	}
	if f.reportProgress {
		progress(50, "下载中")
	}
	return f.comments[providerEpisodeID], nil
}
func (f *fakeScraper) ExecuteAction(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	return nil, scraper.UnknownAction(name)
}

func comment(cid, text string, t float64) danmaku.Comment {
	return danmaku.Comment{CID: cid, P: danmaku.PackParams(t, 1, 16777215, "fake"), M: text, T: t}
}

func newTestLibrary(t *testing.T, fake *fakeScraper) (*Service, *database.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	registry := scraper.NewRegistry(db)
	registry.Register(fake.name, func(ctx context.Context, db *database.DB, useProxy bool) (scraper.Scraper, error) {
		return fake, nil
	})
	if err := registry.Sync(context.Background()); err != nil {
		t.Fatalf("registry sync: %v", err)
	}

	tasks := task.NewManager(db)
	if err := tasks.Start(context.Background()); err != nil {
		t.Fatalf("start tasks: %v", err)
	}
	t.Cleanup(tasks.Stop)

	return NewService(db, registry, nil, tasks, nil), db
}

func waitForTask(t *testing.T, db *database.DB, taskID string) *models.TaskInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := db.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if info.Status == database.TaskStatusCompleted || info.Status == database.TaskStatusFailed {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", taskID)
	return nil
}

func testImportRequest() *models.ImportRequest {
	return &models.ImportRequest{
		Provider:   "fake",
		MediaID:    "m1",
		AnimeTitle: "测试动画",
		Type:       models.MediaTypeTVSeries,
		Season:     1,
	}
}

func TestFullImportPersistsEpisodesAndComments(t *testing.T) {
	fake := &fakeScraper{
		name: "fake",
		episodes: []models.ProviderEpisodeInfo{
			{Provider: "fake", EpisodeID: "e1", Title: "第1集", EpisodeIndex: 1},
			{Provider: "fake", EpisodeID: "e2", Title: "第2集", EpisodeIndex: 2},
		},
		comments: map[string][]danmaku.Comment{
			"e1": {comment("a", "前方高能", 1.5), comment("b", "awsl", 3)},
			"e2": {comment("c", "泪目", 10)},
		},
	}
	svc, db := newTestLibrary(t, fake)
	ctx := context.Background()

	taskID, err := svc.QueueImport(ctx, testImportRequest())
	if err != nil {
		t.Fatalf("queue import: %v", err)
	}
	info := waitForTask(t, db, taskID)
	if info.Status != database.TaskStatusCompleted {
		t.Fatalf("task failed: %+v", info)
	}

	library, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(library) != 1 || library[0].Title != "测试动画" || library[0].EpisodeCount != 2 {
		t.Fatalf("library = %+v", library)
	}

	sources, err := svc.Sources(ctx, library[0].AnimeID)
	if err != nil || len(sources) != 1 {
		t.Fatalf("sources = %+v, err %v", sources, err)
	}
	episodes, err := svc.Episodes(ctx, sources[0].ID)
	if err != nil || len(episodes) != 2 {
		t.Fatalf("episodes = %+v, err %v", episodes, err)
	}
	if episodes[0].CommentCount != 2 || episodes[1].CommentCount != 1 {
		t.Fatalf("comment counts: %+v", episodes)
	}

	comments, err := db.CommentsForEpisode(ctx, episodes[0].ID)
	if err != nil || len(comments) != 2 {
		t.Fatalf("comments = %+v, err %v", comments, err)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	fake := &fakeScraper{
		name: "fake",
		episodes: []models.ProviderEpisodeInfo{
			{Provider: "fake", EpisodeID: "e1", Title: "第1集", EpisodeIndex: 1},
		},
		comments: map[string][]danmaku.Comment{
			"e1": {comment("a", "前方高能", 1.5)},
		},
	}
	svc, db := newTestLibrary(t, fake)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		taskID, err := svc.QueueImport(ctx, testImportRequest())
		if err != nil {
			t.Fatalf("queue import %d: %v", i, err)
		}
		waitForTask(t, db, taskID)
	}

	library, _ := svc.List(ctx)
	if len(library) != 1 || library[0].EpisodeCount != 1 {
		t.Fatalf("library = %+v", library)
	}
	sources, _ := svc.Sources(ctx, library[0].AnimeID)
	if len(sources) != 1 {
		t.Fatalf("sources = %+v", sources)
	}
	episodes, _ := svc.Episodes(ctx, sources[0].ID)
	if len(episodes) != 1 || episodes[0].CommentCount != 1 {
		t.Fatalf("episodes = %+v", episodes)
	}
}

func TestImportFailsAndWritesNothingOnCommentError(t *testing.T) {
	fake := &fakeScraper{
		name: "fake",
		episodes: []models.ProviderEpisodeInfo{
			{Provider: "fake", EpisodeID: "e1", Title: "第1集", EpisodeIndex: 1},
			{Provider: "fake", EpisodeID: "e2", Title: "第2集", EpisodeIndex: 2},
		},
		comments: map[string][]danmaku.Comment{
			"e1": {comment("a", "前方高能", 1.5)},
		},
		commentErrs: map[string]error{"e2": errors.New("upstream timeout")},
	}
	svc, db := newTestLibrary(t, fake)
	ctx := context.Background()

	taskID, err := svc.QueueImport(ctx, testImportRequest())
	if err != nil {
		t.Fatalf("queue import: %v", err)
	}
	info := waitForTask(t, db, taskID)
	if info.Status != database.TaskStatusFailed {
		t.Fatalf("task = %+v, want FAILED", info)
	}

	// Nothing may have been written: no work row, no episodes.
	library, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(library) != 0 {
		t.Fatalf("library written despite failed fetch: %+v", library)
	}
}

func TestFetchPayloadsScalesScraperProgress(t *testing.T) {
	fake := &fakeScraper{
		name: "fake",
		episodes: []models.ProviderEpisodeInfo{
			{Provider: "fake", EpisodeID: "e1", Title: "第1集", EpisodeIndex: 1},
			{Provider: "fake", EpisodeID: "e2", Title: "第2集", EpisodeIndex: 2},
		},
		comments: map[string][]danmaku.Comment{
			"e1": {comment("a", "x", 1)},
			"e2": {comment("b", "y", 2)},
		},
		reportProgress: true,
	}
	svc, _ := newTestLibrary(t, fake)

	var pcts []int
	record := func(p int, desc string) { pcts = append(pcts, p) }
	if _, err := svc.fetchEpisodePayloads(context.Background(), record, fake, fake.episodes); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// Two episodes split the 10..90 range; the scraper's 50% lands in
	// the middle of each slice.
	want := map[int]bool{30: false, 70: false}
	for _, p := range pcts {
		if _, ok := want[p]; ok {
			want[p] = true
		}
	}
	for p, seen := range want {
		if !seen {
			t.Fatalf("sub-progress %d never reported, got %v", p, pcts)
		}
	}
}

func TestMovieImportKeepsOnlyFirstEpisode(t *testing.T) {
	fake := &fakeScraper{
		name: "fake",
		episodes: []models.ProviderEpisodeInfo{
			{Provider: "fake", EpisodeID: "e1", Title: "正片", EpisodeIndex: 1},
			{Provider: "fake", EpisodeID: "e2", Title: "预告1", EpisodeIndex: 2},
			{Provider: "fake", EpisodeID: "e3", Title: "预告2", EpisodeIndex: 3},
		},
		comments: map[string][]danmaku.Comment{
			"e1": {comment("a", "开场", 1)},
		},
	}
	svc, db := newTestLibrary(t, fake)
	ctx := context.Background()

	req := testImportRequest()
	req.Type = models.MediaTypeMovie
	taskID, err := svc.QueueImport(ctx, req)
	if err != nil {
		t.Fatalf("queue import: %v", err)
	}
	info := waitForTask(t, db, taskID)
	if info.Status != database.TaskStatusCompleted {
		t.Fatalf("task failed: %+v", info)
	}

	library, _ := svc.List(ctx)
	sources, _ := svc.Sources(ctx, library[0].AnimeID)
	episodes, _ := svc.Episodes(ctx, sources[0].ID)
	if len(episodes) != 1 || episodes[0].Title != "正片" {
		t.Fatalf("movie stored %d episode(s): %+v", len(episodes), episodes)
	}
}

func TestRefreshEpisodeAddsOnlyNewComments(t *testing.T) {
	fake := &fakeScraper{
		name: "fake",
		episodes: []models.ProviderEpisodeInfo{
			{Provider: "fake", EpisodeID: "e1", Title: "第1集", EpisodeIndex: 1},
		},
		comments: map[string][]danmaku.Comment{
			"e1": {comment("a", "前方高能", 1.5)},
		},
	}
	svc, db := newTestLibrary(t, fake)
	ctx := context.Background()

	taskID, _ := svc.QueueImport(ctx, testImportRequest())
	waitForTask(t, db, taskID)

	// Upstream gains one comment.
	fake.comments["e1"] = append(fake.comments["e1"], comment("b", "新弹幕", 5))

	library, _ := svc.List(ctx)
	sources, _ := svc.Sources(ctx, library[0].AnimeID)
	episodes, _ := svc.Episodes(ctx, sources[0].ID)

	refreshID, err := svc.QueueRefreshEpisode(ctx, episodes[0].ID)
	if err != nil {
		t.Fatalf("queue refresh: %v", err)
	}
	info := waitForTask(t, db, refreshID)
	if info.Status != database.TaskStatusCompleted {
		t.Fatalf("refresh failed: %+v", info)
	}
	if info.Description != "added 1 new comment(s)" {
		t.Fatalf("description = %q", info.Description)
	}
}

func TestIncrementalRefreshFetchesOnlyNewEpisodes(t *testing.T) {
	fake := &fakeScraper{
		name: "fake",
		episodes: []models.ProviderEpisodeInfo{
			{Provider: "fake", EpisodeID: "e1", Title: "第1集", EpisodeIndex: 1},
		},
		comments: map[string][]danmaku.Comment{
			"e1": {comment("a", "第一", 1)},
			"e2": {comment("b", "第二", 2)},
		},
	}
	svc, db := newTestLibrary(t, fake)
	ctx := context.Background()

	taskID, _ := svc.QueueImport(ctx, testImportRequest())
	waitForTask(t, db, taskID)

	library, _ := svc.List(ctx)
	sources, _ := svc.Sources(ctx, library[0].AnimeID)
	if err := svc.SetIncrementalRefresh(ctx, sources[0].ID, true); err != nil {
		t.Fatalf("enable incremental: %v", err)
	}

	// A new episode appears upstream.
	fake.episodes = append(fake.episodes, models.ProviderEpisodeInfo{
		Provider: "fake", EpisodeID: "e2", Title: "第2集", EpisodeIndex: 2,
	})

	infos, err := db.IncrementalRefreshSources(ctx)
	if err != nil || len(infos) != 1 {
		t.Fatalf("sources = %+v, err %v", infos, err)
	}
	added, err := svc.RefreshSourceIncremental(ctx, &infos[0])
	if err != nil {
		t.Fatalf("incremental refresh: %v", err)
	}
	if added != 1 {
		t.Fatalf("added = %d", added)
	}
	episodes, _ := svc.Episodes(ctx, sources[0].ID)
	if len(episodes) != 2 {
		t.Fatalf("episodes = %+v", episodes)
	}
}

func TestIncrementalRefreshDisablesAfterEmptyStreak(t *testing.T) {
	fake := &fakeScraper{
		name: "fake",
		episodes: []models.ProviderEpisodeInfo{
			{Provider: "fake", EpisodeID: "e1", Title: "第1集", EpisodeIndex: 1},
		},
		comments: map[string][]danmaku.Comment{
			"e1": {comment("a", "第一", 1)},
		},
	}
	svc, db := newTestLibrary(t, fake)
	ctx := context.Background()

	taskID, _ := svc.QueueImport(ctx, testImportRequest())
	waitForTask(t, db, taskID)

	library, _ := svc.List(ctx)
	sources, _ := svc.Sources(ctx, library[0].AnimeID)
	svc.SetIncrementalRefresh(ctx, sources[0].ID, true)

	for i := 0; i < maxIncrementalFailures; i++ {
		infos, err := db.IncrementalRefreshSources(ctx)
		if err != nil {
			t.Fatalf("sources: %v", err)
		}
		if len(infos) == 0 {
			t.Fatalf("disabled after %d round(s), want %d", i, maxIncrementalFailures)
		}
		if _, err := svc.RefreshSourceIncremental(ctx, &infos[0]); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}

	infos, err := db.IncrementalRefreshSources(ctx)
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("source still enabled after %d empty rounds", maxIncrementalFailures)
	}
}

func TestManualImportResolvesURL(t *testing.T) {
	fake := &fakeScraper{
		name: "fake",
		episodes: []models.ProviderEpisodeInfo{
			{Provider: "fake", EpisodeID: "e1", Title: "第1集", EpisodeIndex: 1},
		},
		comments: map[string][]danmaku.Comment{"e1": {comment("a", "x", 1)}},
	}
	svc, db := newTestLibrary(t, fake)
	ctx := context.Background()

	if _, err := svc.QueueManualImport(ctx, "https://nowhere.example/watch/1", "标题", models.MediaTypeTVSeries, 1); err == nil {
		t.Fatal("expected error when no provider recognizes the url")
	}
	if tasks, _ := db.ListTasks(ctx, "", 0); len(tasks) != 0 {
		t.Fatalf("unexpected tasks queued: %+v", tasks)
	}
}
