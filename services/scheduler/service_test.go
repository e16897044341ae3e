package scheduler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/l429609201/danmu-api-server/config"
	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/services/metadata"
	"github.com/l429609201/danmu-api-server/services/task"
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

func newTestScheduler(t *testing.T) (*Service, *task.Manager, *database.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tasks := task.NewManager(db)
	if err := tasks.Start(context.Background()); err != nil {
		t.Fatalf("start tasks: %v", err)
	}
	t.Cleanup(tasks.Stop)

	s := NewService(db, tasks)
	return s, tasks, db
}

func TestCreateRejectsUnknownJobType(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if _, err := s.Create(context.Background(), "x", "no_such_job", "* * * * *", true); err == nil {
		t.Fatal("expected error for unknown job type")
	}
}

func TestCreateRejectsBadCron(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.RegisterJob("noop", func(ctx context.Context, progress task.ProgressFunc) error { return nil })
	if _, err := s.Create(context.Background(), "x", "noop", "not a cron", true); err == nil {
		t.Fatal("expected error for bad cron expression")
	}
}

func TestCreateComputesNextRun(t *testing.T) {
	s, _, db := newTestScheduler(t)
	s.RegisterJob("noop", func(ctx context.Context, progress task.ProgressFunc) error { return nil })

	created, err := s.Create(context.Background(), "每小时", "noop", "0 * * * *", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.NextRunAt == nil || !created.NextRunAt.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("next run not set: %+v", created)
	}

	row, err := db.GetScheduledTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.NextRunAt == nil {
		t.Fatalf("next run not persisted: %+v", row)
	}
}

func TestRunNowSubmitsTask(t *testing.T) {
	s, _, db := newTestScheduler(t)
	ran := make(chan struct{})
	s.RegisterJob("ping", func(ctx context.Context, progress task.ProgressFunc) error {
		close(ran)
		return task.Success("pong")
	})

	created, err := s.Create(context.Background(), "手动", "ping", "0 0 * * *", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RunNow(context.Background(), created.ID); err != nil {
		t.Fatalf("run now: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		row, err := db.GetScheduledTask(context.Background(), created.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if row.LastRunAt != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("last run never recorded: %+v", row)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPickEpisodeGroupPrefersSeasonsType(t *testing.T) {
	groups := []metadata.TMDBEpisodeGroup{
		{ID: "big", Type: 1, GroupCount: 9},
		{ID: "seasons", Type: 6, GroupCount: 2},
	}
	if got := pickEpisodeGroup(groups); got != "seasons" {
		t.Fatalf("picked %q", got)
	}
	if got := pickEpisodeGroup(groups[:1]); got != "big" {
		t.Fatalf("fallback picked %q", got)
	}
	if got := pickEpisodeGroup(nil); got != "" {
		t.Fatalf("empty picked %q", got)
	}
}

func TestMapOneWorkWritesMappings(t *testing.T) {
	_, _, db := newTestScheduler(t)
	ctx := context.Background()
	db.SetConfigValue(ctx, config.KeyTMDBAPIKey, "k")

	tmdb := metadata.NewTMDBClient(db)
	tmdb.SetHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(r.URL.Path, "/episode_groups"):
			return jsonResponse(200, `{"results":[{"id":"g1","name":"Seasons","type":6,"group_count":2,"episode_count":3}]}`), nil
		case strings.Contains(r.URL.Path, "/episode_group/"):
			return jsonResponse(200, `{"id":"g1","groups":[
				{"name":"Season 2","order":2,"episodes":[{"id":30,"season_number":1,"episode_number":13,"order":0}]},
				{"name":"Season 1","order":1,"episodes":[{"id":10,"season_number":1,"episode_number":1,"order":0},{"id":20,"season_number":1,"episode_number":2,"order":1}]}
			]}`), nil
		}
		return jsonResponse(404, `{}`), nil
	})})

	animeID, err := db.GetOrCreateAnime(ctx, "测试作品", "tv_series", 1, "", "")
	if err != nil {
		t.Fatalf("create anime: %v", err)
	}
	if err := mapOneWork(ctx, db, tmdb, animeID, 555, ""); err != nil {
		t.Fatalf("map: %v", err)
	}

	// Season 1 episode 2 sits second in the first-ordered group.
	m, err := db.TMDBMappingByCustom(ctx, 555, "g1", 1, 2)
	if err != nil {
		t.Fatalf("lookup custom: %v", err)
	}
	if m.TMDBEpisodeID != 20 || m.AbsoluteEpisodeNumber != 2 {
		t.Fatalf("mapping = %+v", m)
	}

	// The lone season 2 entry is absolute episode 3.
	m, err = db.TMDBMappingByAbsolute(ctx, 555, "g1", 3)
	if err != nil {
		t.Fatalf("lookup absolute: %v", err)
	}
	if m.CustomSeasonNumber != 2 || m.CustomEpisodeNumber != 1 {
		t.Fatalf("mapping = %+v", m)
	}
}
