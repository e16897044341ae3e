package metadata

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/l429609201/danmu-api-server/config"
	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeSource struct {
	name    string
	results []models.MetadataDetails
	err     error
	calls   int
}

func (f *fakeSource) ProviderName() string { return f.name }
func (f *fakeSource) Search(ctx context.Context, keyword string) ([]models.MetadataDetails, error) {
	f.calls++
	return f.results, f.err
}
func (f *fakeSource) Details(ctx context.Context, id string) (*models.MetadataDetails, error) {
	if len(f.results) == 0 {
		return nil, database.ErrNotFound
	}
	return &f.results[0], nil
}
func (f *fakeSource) CheckConnectivity(ctx context.Context) error { return f.err }

func newTestManager(t *testing.T, db *database.DB, sources ...Source) *Manager {
	t.Helper()
	m := &Manager{db: db, sources: make(map[string]Source)}
	for _, s := range sources {
		m.sources[s.ProviderName()] = s
	}
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return m
}

func TestSearchAliasesUnion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a := &fakeSource{name: "tmdb", results: []models.MetadataDetails{
		{Title: "命运之夜", NameEN: "Fate/Zero", AliasesCN: []string{"命运零"}},
	}}
	b := &fakeSource{name: "bangumi", results: []models.MetadataDetails{
		{Title: "命运之夜", NameJP: "フェイト/ゼロ"},
	}}
	m := newTestManager(t, db, a, b)

	// bangumi needs aux search enabled; tmdb is forced on by the sync.
	settings, _ := db.MetadataSourceSettings(ctx)
	for i := range settings {
		settings[i].IsAuxSearchEnabled = true
	}
	if err := db.UpdateMetadataSourceSettings(ctx, settings); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	aliases, err := m.SearchAliases(ctx, "fate")
	if err != nil {
		t.Fatalf("SearchAliases: %v", err)
	}
	want := map[string]bool{
		"命运之夜": true, "Fate/Zero": true, "命运零": true, "フェイト/ゼロ": true,
	}
	if len(aliases) != len(want) {
		t.Fatalf("aliases = %v", aliases)
	}
	for _, a := range aliases {
		if !want[a] {
			t.Fatalf("unexpected alias %q in %v", a, aliases)
		}
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("source calls: tmdb=%d bangumi=%d", a.calls, b.calls)
	}
}

func TestSearchAliasesSkipsUnconfigured(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ok := &fakeSource{name: "tmdb", results: []models.MetadataDetails{{Title: "A"}}}
	broken := &fakeSource{name: "douban", err: ErrNotConfigured}
	m := newTestManager(t, db, ok, broken)

	settings, _ := db.MetadataSourceSettings(ctx)
	for i := range settings {
		settings[i].IsAuxSearchEnabled = true
	}
	db.UpdateMetadataSourceSettings(ctx, settings)

	aliases, err := m.SearchAliases(ctx, "a")
	if err != nil {
		t.Fatalf("SearchAliases: %v", err)
	}
	if len(aliases) != 1 || aliases[0] != "A" {
		t.Fatalf("aliases = %v", aliases)
	}
}

func TestTMDBClientNotConfigured(t *testing.T) {
	db := openTestDB(t)
	c := NewTMDBClient(db)
	if _, err := c.Search(context.Background(), "x"); err != ErrNotConfigured {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestTMDBClientSearch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.SetConfigValue(ctx, config.KeyTMDBAPIKey, "k"); err != nil {
		t.Fatalf("set key: %v", err)
	}

	c := NewTMDBClient(db)
	c.SetHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if strings.Contains(r.URL.Path, "/search/tv") {
			return jsonResponse(200, `{"results":[{"id":123,"name":"某科学的超电磁炮","original_name":"とある科学の超電磁砲","poster_path":"/p.jpg","first_air_date":"2009-10-02"}]}`), nil
		}
		return jsonResponse(200, `{"results":[]}`), nil
	})})

	results, err := c.Search(ctx, "超电磁炮")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	r := results[0]
	if r.ID != "123" || r.Title != "某科学的超电磁炮" || r.Year != 2009 {
		t.Fatalf("unexpected result: %+v", r)
	}
	if len(r.AliasesCN) != 1 || r.AliasesCN[0] != "とある科学の超電磁砲" {
		t.Fatalf("original name not kept as alias: %+v", r)
	}
	if !strings.HasSuffix(r.ImageURL, "/p.jpg") {
		t.Fatalf("image url: %q", r.ImageURL)
	}
}

func TestTMDBEpisodeGroups(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.SetConfigValue(ctx, config.KeyTMDBAPIKey, "k")

	c := NewTMDBClient(db)
	c.SetHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(r.URL.Path, "/episode_groups"):
			return jsonResponse(200, `{"results":[{"id":"g1","name":"Seasons","type":6,"group_count":2,"episode_count":24}]}`), nil
		case strings.Contains(r.URL.Path, "/episode_group/"):
			return jsonResponse(200, `{"id":"g1","groups":[{"name":"Season 1","order":1,"episodes":[{"id":1,"season_number":1,"episode_number":1,"order":0}]}]}`), nil
		}
		return jsonResponse(404, `{}`), nil
	})})

	groups, err := c.EpisodeGroups(ctx, 123)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if len(groups) != 1 || groups[0].Type != 6 {
		t.Fatalf("groups = %+v", groups)
	}

	detail, err := c.EpisodeGroupDetail(ctx, "g1")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Groups) != 1 || len(detail.Groups[0].Episodes) != 1 {
		t.Fatalf("detail = %+v", detail)
	}
}
