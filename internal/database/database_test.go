package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/l429609201/danmu-api-server/internal/danmaku"
	"github.com/l429609201/danmu-api-server/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEpisodeID(t *testing.T) {
	id, err := EpisodeID(42, 2, 7)
	if err != nil {
		t.Fatalf("EpisodeID: %v", err)
	}
	if id != 25000042020007 {
		t.Fatalf("EpisodeID = %d, want 25000042020007", id)
	}

	if _, err := EpisodeID(1_000_000, 1, 1); err == nil {
		t.Fatal("expected error for anime id out of range")
	}
	if _, err := EpisodeID(1, 100, 1); err == nil {
		t.Fatal("expected error for source order out of range")
	}
	if _, err := EpisodeID(1, 1, 10_000); err == nil {
		t.Fatal("expected error for episode index out of range")
	}
}

func TestGetOrCreateAnimeFillsEmptyImage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id1, err := db.GetOrCreateAnime(ctx, "Fate/Zero", models.MediaTypeTVSeries, 1, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id2, err := db.GetOrCreateAnime(ctx, "Fate/Zero", models.MediaTypeTVSeries, 1, "https://img.example/poster.jpg", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same work, got %d and %d", id1, id2)
	}

	d, err := db.GetAnimeDetails(ctx, id1)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if d.ImageURL != "https://img.example/poster.jpg" {
		t.Fatalf("image not filled in, got %q", d.ImageURL)
	}

	// A later call with a different URL must not overwrite.
	if _, err := db.GetOrCreateAnime(ctx, "Fate/Zero", models.MediaTypeTVSeries, 1, "https://img.example/other.jpg", ""); err != nil {
		t.Fatalf("third call: %v", err)
	}
	d, _ = db.GetAnimeDetails(ctx, id1)
	if d.ImageURL != "https://img.example/poster.jpg" {
		t.Fatalf("image overwritten, got %q", d.ImageURL)
	}
}

func TestGetOrCreateAnimeSeasonsAreDistinct(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s1, _ := db.GetOrCreateAnime(ctx, "Fate/Zero", models.MediaTypeTVSeries, 1, "", "")
	s2, err := db.GetOrCreateAnime(ctx, "Fate/Zero", models.MediaTypeTVSeries, 2, "", "")
	if err != nil {
		t.Fatalf("season 2: %v", err)
	}
	if s1 == s2 {
		t.Fatal("seasons must be distinct works")
	}
}

func TestToggleSourceFavoriteIsExclusive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	animeID, _ := db.GetOrCreateAnime(ctx, "Work", models.MediaTypeTVSeries, 1, "", "")
	s1, _ := db.LinkSource(ctx, animeID, "tencent", "m1")
	s2, _ := db.LinkSource(ctx, animeID, "bilibili", "m2")

	if fav, _ := db.ToggleSourceFavorite(ctx, s1); !fav {
		t.Fatal("first toggle should favorite")
	}
	if fav, _ := db.ToggleSourceFavorite(ctx, s2); !fav {
		t.Fatal("second toggle should favorite")
	}

	sources, err := db.SourcesForAnime(ctx, animeID)
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	favorites := 0
	for _, s := range sources {
		if s.IsFavorited {
			favorites++
			if s.ID != s2 {
				t.Fatalf("wrong source favorited: %d", s.ID)
			}
		}
	}
	if favorites != 1 {
		t.Fatalf("expected exactly one favorite, got %d", favorites)
	}
}

func TestBulkInsertCommentsDedupsAndCounts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	animeID, _ := db.GetOrCreateAnime(ctx, "Work", models.MediaTypeTVSeries, 1, "", "")
	sourceID, _ := db.LinkSource(ctx, animeID, "tencent", "m1")
	epID, err := db.CreateEpisodeIfAbsent(ctx, sourceID, &models.ProviderEpisodeInfo{
		Provider: "tencent", EpisodeID: "v1", Title: "EP1", EpisodeIndex: 1,
	})
	if err != nil {
		t.Fatalf("episode: %v", err)
	}

	batch := []danmaku.Comment{
		{CID: "a", P: "1.00,1,16777215,[tencent]", M: "hello", T: 1},
		{CID: "b", P: "2.00,1,16777215,[tencent]", M: "world", T: 2},
	}
	if n, err := db.BulkInsertComments(ctx, epID, batch); err != nil || n != 2 {
		t.Fatalf("first insert: n=%d err=%v", n, err)
	}
	// Re-inserting the same cids plus one new must only add the new one.
	batch = append(batch, danmaku.Comment{CID: "c", P: "3.00,5,16777215,[tencent]", M: "top", T: 3})
	if n, err := db.BulkInsertComments(ctx, epID, batch); err != nil || n != 1 {
		t.Fatalf("second insert: n=%d err=%v", n, err)
	}

	ep, _ := db.GetEpisode(ctx, epID)
	if ep.CommentCount != 3 {
		t.Fatalf("comment_count = %d, want 3", ep.CommentCount)
	}

	cids, _ := db.ExistingCommentCIDs(ctx, epID)
	if len(cids) != 3 {
		t.Fatalf("cid set size = %d, want 3", len(cids))
	}
}

func TestReorderEpisodesRekeysAndKeepsComments(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	animeID, _ := db.GetOrCreateAnime(ctx, "Work", models.MediaTypeTVSeries, 1, "", "")
	sourceID, _ := db.LinkSource(ctx, animeID, "tencent", "m1")

	// Sparse indexes 2 and 5.
	for _, idx := range []int{2, 5} {
		if _, err := db.CreateEpisodeIfAbsent(ctx, sourceID, &models.ProviderEpisodeInfo{
			Provider: "tencent", EpisodeID: "v", Title: "EP", EpisodeIndex: idx,
		}); err != nil {
			t.Fatalf("episode %d: %v", idx, err)
		}
	}
	oldID, _ := EpisodeID(animeID, 1, 5)
	if _, err := db.BulkInsertComments(ctx, oldID, []danmaku.Comment{
		{CID: "x", P: "1.00,1,16777215,[tencent]", M: "hi", T: 1},
	}); err != nil {
		t.Fatalf("comments: %v", err)
	}

	if err := db.ReorderEpisodes(ctx, sourceID); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	eps, _ := db.EpisodesForSource(ctx, sourceID)
	if len(eps) != 2 || eps[0].EpisodeIndex != 1 || eps[1].EpisodeIndex != 2 {
		t.Fatalf("indexes not dense: %+v", eps)
	}
	newID, _ := EpisodeID(animeID, 1, 2)
	if eps[1].ID != newID {
		t.Fatalf("episode id not re-keyed: got %d want %d", eps[1].ID, newID)
	}
	comments, _ := db.CommentsForEpisode(ctx, newID)
	if len(comments) != 1 {
		t.Fatalf("comments lost in reorder: %d", len(comments))
	}
}

func TestReassociateSourcesMovesAndResolvesCollisions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	fromID, _ := db.GetOrCreateAnime(ctx, "Dup", models.MediaTypeTVSeries, 1, "", "")
	toID, _ := db.GetOrCreateAnime(ctx, "Canonical", models.MediaTypeTVSeries, 1, "", "")

	db.LinkSource(ctx, fromID, "tencent", "shared")
	db.LinkSource(ctx, fromID, "iqiyi", "unique")
	keep, _ := db.LinkSource(ctx, toID, "tencent", "shared")

	if err := db.ReassociateSources(ctx, fromID, toID); err != nil {
		t.Fatalf("reassociate: %v", err)
	}

	if _, err := db.GetAnimeDetails(ctx, fromID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("origin work should be deleted, err=%v", err)
	}
	sources, _ := db.SourcesForAnime(ctx, toID)
	if len(sources) != 2 {
		t.Fatalf("target source count = %d, want 2", len(sources))
	}
	for _, s := range sources {
		if s.ProviderName == "tencent" && s.ID != keep {
			t.Fatalf("collision should keep the target-side source, got %d", s.ID)
		}
	}
}

func TestCacheTTL(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.SetCache(ctx, "k", "tencent", "v", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := db.GetCache(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("get: v=%q err=%v", v, err)
	}

	// Non-positive ttl disables caching.
	if err := db.SetCache(ctx, "off", "tencent", "v", 0); err != nil {
		t.Fatalf("set ttl 0: %v", err)
	}
	if _, err := db.GetCache(ctx, "off"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ttl 0 should not store, err=%v", err)
	}

	// Expired entries read as a miss even before the sweep runs.
	if err := db.SetCache(ctx, "stale", "tencent", "v", time.Nanosecond); err != nil {
		t.Fatalf("set stale: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := db.GetCache(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired entry should miss, err=%v", err)
	}
	if n, err := db.ClearExpiredCache(ctx); err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
}

func TestSyncScrapersGuardrail(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.SyncScrapers(ctx, []string{"tencent", "bilibili"}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	settings, _ := db.ScraperSettings(ctx)
	if len(settings) != 2 {
		t.Fatalf("settings = %d rows, want 2", len(settings))
	}

	// An empty set must not wipe existing rows.
	if err := db.SyncScrapers(ctx, nil); err != nil {
		t.Fatalf("empty sync: %v", err)
	}
	settings, _ = db.ScraperSettings(ctx)
	if len(settings) != 2 {
		t.Fatalf("empty sync wiped settings: %d rows", len(settings))
	}

	// Removing a provider drops its row, keeps the rest.
	if err := db.SyncScrapers(ctx, []string{"tencent"}); err != nil {
		t.Fatalf("shrink sync: %v", err)
	}
	settings, _ = db.ScraperSettings(ctx)
	if len(settings) != 1 || settings[0].ProviderName != "tencent" {
		t.Fatalf("unexpected rows after shrink: %+v", settings)
	}
}

func TestMetadataSourcesTMDBAuxForced(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.SyncMetadataSources(ctx, []string{"tmdb", "bangumi"}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	settings, _ := db.MetadataSourceSettings(ctx)
	for _, s := range settings {
		if s.ProviderName == "tmdb" && !s.IsAuxSearchEnabled {
			t.Fatal("tmdb aux search must be forced on")
		}
	}

	// Attempting to turn it off is overridden.
	for i := range settings {
		if settings[i].ProviderName == "tmdb" {
			settings[i].IsAuxSearchEnabled = false
		}
	}
	if err := db.UpdateMetadataSourceSettings(ctx, settings); err != nil {
		t.Fatalf("update: %v", err)
	}
	settings, _ = db.MetadataSourceSettings(ctx)
	for _, s := range settings {
		if s.ProviderName == "tmdb" && !s.IsAuxSearchEnabled {
			t.Fatal("tmdb aux search was turned off")
		}
	}
}

func TestTMDBMappingLookup(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	mappings := []models.TMDBEpisodeMapping{
		{TMDBEpisodeID: 100, TMDBSeasonNumber: 1, TMDBEpisodeNumber: 1, CustomSeasonNumber: 1, CustomEpisodeNumber: 1, AbsoluteEpisodeNumber: 1},
		{TMDBEpisodeID: 101, TMDBSeasonNumber: 1, TMDBEpisodeNumber: 2, CustomSeasonNumber: 1, CustomEpisodeNumber: 2, AbsoluteEpisodeNumber: 2},
		{TMDBEpisodeID: 200, TMDBSeasonNumber: 2, TMDBEpisodeNumber: 1, CustomSeasonNumber: 2, CustomEpisodeNumber: 1, AbsoluteEpisodeNumber: 3},
	}
	if err := db.ReplaceTMDBEpisodeMappings(ctx, 999, "grp", mappings); err != nil {
		t.Fatalf("replace: %v", err)
	}

	m, err := db.TMDBMappingByCustom(ctx, 999, "grp", 2, 1)
	if err != nil {
		t.Fatalf("by custom: %v", err)
	}
	if m.AbsoluteEpisodeNumber != 3 || m.TMDBSeasonNumber != 2 {
		t.Fatalf("unexpected mapping: %+v", m)
	}

	m, err = db.TMDBMappingByAbsolute(ctx, 999, "grp", 2)
	if err != nil {
		t.Fatalf("by absolute: %v", err)
	}
	if m.CustomEpisodeNumber != 2 {
		t.Fatalf("unexpected mapping: %+v", m)
	}

	// Replacing swaps the old rows out entirely.
	if err := db.ReplaceTMDBEpisodeMappings(ctx, 999, "grp", mappings[:1]); err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if _, err := db.TMDBMappingByAbsolute(ctx, 999, "grp", 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale mapping survived, err=%v", err)
	}
}

func TestMarkInterruptedTasks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	db.CreateTask(ctx, "t1", "import A")
	db.CreateTask(ctx, "t2", "import B")
	db.CreateTask(ctx, "t3", "import C")
	db.UpdateTaskProgress(ctx, "t1", TaskStatusRunning, 40, "working")
	db.UpdateTaskProgress(ctx, "t2", TaskStatusPaused, 10, "paused")
	db.FinishTask(ctx, "t3", TaskStatusCompleted, 100, "done")

	n, err := db.MarkInterruptedTasks(ctx)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if n != 2 {
		t.Fatalf("marked %d tasks, want 2", n)
	}
	for _, id := range []string{"t1", "t2"} {
		task, _ := db.GetTask(ctx, id)
		if task.Status != TaskStatusFailed || task.Description != "interrupted by restart" {
			t.Fatalf("task %s not failed: %+v", id, task)
		}
	}
	task, _ := db.GetTask(ctx, "t3")
	if task.Status != TaskStatusCompleted {
		t.Fatalf("completed task touched: %+v", task)
	}
}

func TestSearchAnimeByTitleFallback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.GetOrCreateAnime(ctx, "Fate：Zero", models.MediaTypeTVSeries, 1, "", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	// ASCII colon and missing spaces still match via the LIKE fallback.
	got, err := db.SearchAnimeByTitle(ctx, "Fate:Zero")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Fate：Zero" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestSearchAnimeByTitleSpansAliases(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	animeID, err := db.GetOrCreateAnime(ctx, "进击的巨人", models.MediaTypeTVSeries, 1, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.UpdateAliasesIfEmpty(ctx, animeID, "Attack on Titan", "進撃の巨人", "Shingeki no Kyojin",
		[]string{"巨人"}); err != nil {
		t.Fatalf("aliases: %v", err)
	}

	for _, keyword := range []string{"Attack on Titan", "進撃の巨人", "Shingeki no Kyojin"} {
		got, err := db.SearchAnimeByTitle(ctx, keyword)
		if err != nil {
			t.Fatalf("search %q: %v", keyword, err)
		}
		if len(got) != 1 || got[0].Title != "进击的巨人" {
			t.Fatalf("search %q = %+v", keyword, got)
		}
	}
}
