package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"

	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
	"github.com/l429609201/danmu-api-server/services/library"
	"github.com/l429609201/danmu-api-server/services/metadata"
	"github.com/l429609201/danmu-api-server/services/task"
)

// Job type names accepted in scheduled_tasks.job_type.
const (
	JobIncrementalRefresh = "incremental_refresh"
	JobTMDBAutoMap        = "tmdb_auto_map"
)

// tmdbSeasonsGroupType marks TMDB's "Seasons"-kind episode group, the
// preferred source for season renumbering.
const tmdbSeasonsGroupType = 6

// RegisterDefaults binds the built-in job types.
func (s *Service) RegisterDefaults(lib *library.Service, meta *metadata.Manager) {
	s.RegisterJob(JobIncrementalRefresh, lib.RunIncrementalRefresh)
	s.RegisterJob(JobTMDBAutoMap, func(ctx context.Context, progress task.ProgressFunc) error {
		return runTMDBAutoMap(ctx, progress, s.db, meta.TMDB())
	})
}

// runTMDBAutoMap refreshes the episode-group mapping tables for every
// work with a TMDB id. For each work it picks the Seasons-type group,
// falling back to the one with the most sub-groups, then rewrites the
// custom season/episode/absolute numbering rows.
func runTMDBAutoMap(ctx context.Context, progress task.ProgressFunc, db *database.DB, tmdb *metadata.TMDBClient) error {
	works, err := db.AnimesWithTMDBID(ctx)
	if err != nil {
		return err
	}
	if len(works) == 0 {
		return task.Success("no works with a TMDB id")
	}

	mapped := 0
	for i, work := range works {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress(100*i/len(works), fmt.Sprintf("mapping %s", work.Title))

		tvID, err := strconv.ParseInt(work.TMDBID, 10, 64)
		if err != nil {
			log.Printf("[scheduler] anime %d has malformed tmdb id %q", work.AnimeID, work.TMDBID)
			continue
		}
		if err := mapOneWork(ctx, db, tmdb, work.AnimeID, tvID, work.TMDBEpisodeGroupID); err != nil {
			log.Printf("[scheduler] tmdb mapping for %s failed: %v", work.Title, err)
			continue
		}
		mapped++
	}
	return task.Success(fmt.Sprintf("mapped %d/%d work(s)", mapped, len(works)))
}

func mapOneWork(ctx context.Context, db *database.DB, tmdb *metadata.TMDBClient, animeID, tvID int64, currentGroupID string) error {
	groupID := currentGroupID
	if groupID == "" {
		groups, err := tmdb.EpisodeGroups(ctx, tvID)
		if err != nil {
			return err
		}
		groupID = pickEpisodeGroup(groups)
		if groupID == "" {
			return fmt.Errorf("tv %d has no episode groups", tvID)
		}
		if err := db.SetTMDBEpisodeGroupID(ctx, animeID, groupID); err != nil {
			return err
		}
	}

	detail, err := tmdb.EpisodeGroupDetail(ctx, groupID)
	if err != nil {
		return err
	}

	groups := detail.Groups
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Order < groups[j].Order })

	var mappings []models.TMDBEpisodeMapping
	absolute := 0
	for _, g := range groups {
		for idx, ep := range g.Episodes {
			absolute++
			mappings = append(mappings, models.TMDBEpisodeMapping{
				TMDBTVID:              tvID,
				TMDBEpisodeGroupID:    groupID,
				TMDBEpisodeID:         ep.ID,
				TMDBSeasonNumber:      ep.SeasonNumber,
				TMDBEpisodeNumber:     ep.EpisodeNumber,
				CustomSeasonNumber:    g.Order,
				CustomEpisodeNumber:   idx + 1,
				AbsoluteEpisodeNumber: absolute,
			})
		}
	}
	return db.ReplaceTMDBEpisodeMappings(ctx, tvID, groupID, mappings)
}

// pickEpisodeGroup prefers the Seasons-type group and otherwise takes
// the group with the most sub-groups.
func pickEpisodeGroup(groups []metadata.TMDBEpisodeGroup) string {
	best := ""
	bestCount := -1
	for _, g := range groups {
		if g.Type == tmdbSeasonsGroupType {
			return g.ID
		}
		if g.GroupCount > bestCount {
			best = g.ID
			bestCount = g.GroupCount
		}
	}
	return best
}
