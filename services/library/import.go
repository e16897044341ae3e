package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/l429609201/danmu-api-server/internal/danmaku"
	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
	"github.com/l429609201/danmu-api-server/services/scraper"
	"github.com/l429609201/danmu-api-server/services/task"
)

// maxIncrementalFailures is how many consecutive empty incremental
// refreshes a source gets before the schedule drops it.
const maxIncrementalFailures = 10

// QueueImport submits a full import task for one provider media id.
func (s *Service) QueueImport(ctx context.Context, req *models.ImportRequest) (string, error) {
	if _, err := s.registry.Get(req.Provider); err != nil {
		return "", err
	}
	title := fmt.Sprintf("导入: %s (%s)", req.AnimeTitle, req.Provider)
	return s.tasks.Submit(ctx, title, func(ctx context.Context, progress task.ProgressFunc) error {
		return s.runImport(ctx, progress, req, nil)
	})
}

// QueueEditedImport submits an import restricted to a caller-curated
// episode list.
func (s *Service) QueueEditedImport(ctx context.Context, req *models.ImportRequest, episodes []models.ProviderEpisodeInfo) (string, error) {
	if _, err := s.registry.Get(req.Provider); err != nil {
		return "", err
	}
	if len(episodes) == 0 {
		return "", fmt.Errorf("edited import needs at least one episode")
	}
	title := fmt.Sprintf("编辑导入: %s (%s)", req.AnimeTitle, req.Provider)
	return s.tasks.Submit(ctx, title, func(ctx context.Context, progress task.ProgressFunc) error {
		return s.runImport(ctx, progress, req, episodes)
	})
}

// QueueManualImport resolves a raw video page URL to a provider media
// id and submits a full import for it.
func (s *Service) QueueManualImport(ctx context.Context, rawURL, animeTitle, mediaType string, season int) (string, error) {
	payload, _ := json.Marshal(map[string]string{"url": rawURL})
	scrapers, _, err := s.registry.Enabled(ctx)
	if err != nil {
		return "", err
	}
	for _, sc := range scrapers {
		out, err := sc.ExecuteAction(ctx, "parse_url", payload)
		if err != nil {
			continue
		}
		parsed, ok := out.(map[string]string)
		if !ok || parsed["mediaId"] == "" {
			continue
		}
		req := &models.ImportRequest{
			Provider:   sc.ProviderName(),
			MediaID:    parsed["mediaId"],
			AnimeTitle: animeTitle,
			Type:       mediaType,
			Season:     season,
		}
		return s.QueueImport(ctx, req)
	}
	return "", fmt.Errorf("no provider recognizes url %q", rawURL)
}

// runImport is the shared import body. A nil episodes slice means fetch
// the provider's full list; a non-nil one imports exactly those.
func (s *Service) runImport(ctx context.Context, progress task.ProgressFunc, req *models.ImportRequest, episodes []models.ProviderEpisodeInfo) error {
	sc, err := s.registry.Get(req.Provider)
	if err != nil {
		return err
	}

	mediaType := req.Type
	if mediaType == "" {
		mediaType = models.MediaTypeTVSeries
	}

	if episodes == nil {
		progress(5, "fetching episode list")
		episodes, err = sc.GetEpisodes(ctx, req.MediaID, req.CurrentEpisodeIndex, mediaType)
		if err != nil {
			return fmt.Errorf("fetch episodes: %w", err)
		}
		if len(episodes) == 0 {
			return fmt.Errorf("provider %s returned no episodes for %s", req.Provider, req.MediaID)
		}
	}
	episodes = limitForMediaType(episodes, mediaType)

	// All network work happens before the first row is written.
	payloads, err := s.fetchEpisodePayloads(ctx, progress, sc, episodes)
	if err != nil {
		return err
	}

	progress(90, "downloading poster")
	localImage := s.downloadPoster(ctx, req.ImageURL)

	progress(92, "registering work")
	season := req.Season
	if season <= 0 {
		season = 1
	}
	animeID, err := s.db.GetOrCreateAnime(ctx, req.AnimeTitle, mediaType, season, req.ImageURL, localImage)
	if err != nil {
		return err
	}
	if err := s.db.UpdateMetadataIfEmpty(ctx, animeID, req.TMDBID, "", req.IMDBID, req.TVDBID, req.DoubanID, req.BangumiID); err != nil {
		return err
	}
	s.enrichFromMetadata(ctx, animeID, req.TMDBID)

	sourceID, err := s.db.LinkSource(ctx, animeID, req.Provider, req.MediaID)
	if err != nil {
		return err
	}

	progress(95, "writing episodes")
	imported, comments, err := s.db.ImportEpisodePayloads(ctx, sourceID, payloads)
	if err != nil {
		return err
	}
	return task.Success(fmt.Sprintf("imported %d episode(s), %d comment(s)", imported, comments))
}

// fetchEpisodePayloads pulls every episode's comments into memory
// before anything is written. Each episode owns an equal slice of the
// 10..90 progress range and the scraper's sub-progress is mapped into
// it. Any fetch failure aborts the whole batch.
func (s *Service) fetchEpisodePayloads(ctx context.Context, progress task.ProgressFunc, sc scraper.Scraper, episodes []models.ProviderEpisodeInfo) ([]database.EpisodePayload, error) {
	total := len(episodes)
	payloads := make([]database.EpisodePayload, 0, total)
	for i, ep := range episodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lo := 10 + 80*i/total
		hi := 10 + 80*(i+1)/total
		progress(lo, fmt.Sprintf("fetching %s (%d/%d)", ep.Title, i+1, total))

		comments, err := sc.GetComments(ctx, ep.EpisodeID, func(p int, desc string) {
			if p < 0 {
				p = 0
			} else if p > 100 {
				p = 100
			}
			progress(lo+(hi-lo)*p/100, fmt.Sprintf("%s: %s", ep.Title, desc))
		})
		if err != nil {
			return nil, fmt.Errorf("fetch comments for %s/%s: %w", sc.ProviderName(), ep.EpisodeID, err)
		}
		payloads = append(payloads, database.EpisodePayload{Episode: ep, Comments: comments})
	}
	return payloads, nil
}

// importEpisodes fetches then persists, for callers that already hold
// the source binding.
func (s *Service) importEpisodes(ctx context.Context, progress task.ProgressFunc, sc scraper.Scraper, sourceID int64, episodes []models.ProviderEpisodeInfo) (int, int, error) {
	payloads, err := s.fetchEpisodePayloads(ctx, progress, sc, episodes)
	if err != nil {
		return 0, 0, err
	}
	progress(92, "writing to database")
	imported, commentTotal, err := s.db.ImportEpisodePayloads(ctx, sourceID, payloads)
	if err != nil {
		return 0, 0, err
	}
	progress(95, "finishing")
	return imported, commentTotal, nil
}

// limitForMediaType enforces the declared type on a provider episode
// list: a movie keeps only its first entry.
func limitForMediaType(episodes []models.ProviderEpisodeInfo, mediaType string) []models.ProviderEpisodeInfo {
	if mediaType == models.MediaTypeMovie && len(episodes) > 1 {
		return episodes[:1]
	}
	return episodes
}

// QueueRefreshSource submits a full refresh: wipe the source's episodes
// and re-import from scratch.
func (s *Service) QueueRefreshSource(ctx context.Context, sourceID int64) (string, error) {
	info, err := s.db.GetSourceInfo(ctx, sourceID)
	if err != nil {
		return "", err
	}
	title := fmt.Sprintf("刷新源: %s (%s)", info.Title, info.ProviderName)
	return s.tasks.Submit(ctx, title, func(ctx context.Context, progress task.ProgressFunc) error {
		sc, err := s.registry.Get(info.ProviderName)
		if err != nil {
			return err
		}
		progress(5, "fetching episode list")
		episodes, err := sc.GetEpisodes(ctx, info.MediaID, 0, info.Type)
		if err != nil {
			return fmt.Errorf("fetch episodes: %w", err)
		}
		if len(episodes) == 0 {
			return fmt.Errorf("provider %s returned no episodes for %s", info.ProviderName, info.MediaID)
		}
		episodes = limitForMediaType(episodes, info.Type)
		payloads, err := s.fetchEpisodePayloads(ctx, progress, sc, episodes)
		if err != nil {
			return err
		}
		// Wipe only after the full replacement is in hand.
		progress(92, "clearing old data")
		if err := s.db.ClearSourceData(ctx, sourceID); err != nil {
			return err
		}
		progress(95, "writing episodes")
		imported, comments, err := s.db.ImportEpisodePayloads(ctx, sourceID, payloads)
		if err != nil {
			return err
		}
		return task.Success(fmt.Sprintf("refreshed %d episode(s), %d comment(s)", imported, comments))
	})
}

// QueueRefreshEpisode submits a delta refresh of one episode: only
// comments not already stored are inserted.
func (s *Service) QueueRefreshEpisode(ctx context.Context, episodeID int64) (string, error) {
	ep, err := s.db.GetEpisode(ctx, episodeID)
	if err != nil {
		return "", err
	}
	info, err := s.db.GetSourceInfo(ctx, ep.SourceID)
	if err != nil {
		return "", err
	}
	title := fmt.Sprintf("刷新分集: %s - %s", info.Title, ep.Title)
	return s.tasks.Submit(ctx, title, func(ctx context.Context, progress task.ProgressFunc) error {
		sc, err := s.registry.Get(info.ProviderName)
		if err != nil {
			return err
		}
		progress(10, "fetching comments")
		comments, err := sc.GetComments(ctx, ep.ProviderEpisodeID, func(p int, desc string) {
			progress(10+p*8/10, desc)
		})
		if err != nil {
			return fmt.Errorf("fetch comments: %w", err)
		}
		known, err := s.db.ExistingCommentCIDs(ctx, episodeID)
		if err != nil {
			return err
		}
		added, err := s.db.BulkInsertComments(ctx, episodeID, dropKnown(comments, known))
		if err != nil {
			return err
		}
		if err := s.db.MarkEpisodeFetched(ctx, episodeID); err != nil {
			return err
		}
		return task.Success(fmt.Sprintf("added %d new comment(s)", added))
	})
}

// RefreshSourceIncremental fetches only episodes past the source's
// current highest index. It returns how many episodes were added; zero
// additions bump the source's failure streak and the tenth in a row
// disables the schedule for it.
func (s *Service) RefreshSourceIncremental(ctx context.Context, info *models.SourceInfo) (int, error) {
	sc, err := s.registry.Get(info.ProviderName)
	if err != nil {
		return 0, err
	}
	existing, err := s.db.EpisodesForSource(ctx, info.SourceID)
	if err != nil {
		return 0, err
	}
	maxIndex := 0
	for _, ep := range existing {
		if ep.EpisodeIndex > maxIndex {
			maxIndex = ep.EpisodeIndex
		}
	}

	episodes, err := sc.GetEpisodes(ctx, info.MediaID, 0, info.Type)
	if err != nil {
		return 0, fmt.Errorf("fetch episodes: %w", err)
	}
	episodes = limitForMediaType(episodes, info.Type)
	var fresh []models.ProviderEpisodeInfo
	for _, ep := range episodes {
		if ep.EpisodeIndex > maxIndex {
			fresh = append(fresh, ep)
		}
	}

	if len(fresh) == 0 {
		failures, err := s.db.BumpIncrementalFailures(ctx, info.SourceID)
		if err != nil {
			return 0, err
		}
		if failures >= maxIncrementalFailures {
			log.Printf("[library] source %d hit %d empty refreshes, disabling incremental refresh", info.SourceID, failures)
			if err := s.db.DisableIncrementalRefresh(ctx, info.SourceID); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	noProgress := func(int, string) {}
	imported, _, err := s.importEpisodes(ctx, noProgress, sc, info.SourceID, fresh)
	if err != nil {
		return imported, err
	}
	if err := s.db.ResetIncrementalFailures(ctx, info.SourceID); err != nil {
		return imported, err
	}
	return imported, nil
}

// RunIncrementalRefresh walks every source with incremental refresh
// enabled, used by the scheduler job.
func (s *Service) RunIncrementalRefresh(ctx context.Context, progress task.ProgressFunc) error {
	sources, err := s.db.IncrementalRefreshSources(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return task.Success("no sources enabled for incremental refresh")
	}
	totalNew := 0
	for i := range sources {
		info := sources[i]
		progress(100*i/len(sources), fmt.Sprintf("refreshing %s (%s)", info.Title, info.ProviderName))
		n, err := s.RefreshSourceIncremental(ctx, &info)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Printf("[library] incremental refresh of source %d failed: %v", info.SourceID, err)
			continue
		}
		totalNew += n
	}
	return task.Success(fmt.Sprintf("incremental refresh added %d episode(s)", totalNew))
}

// enrichFromMetadata fills empty alias and title columns from TMDB.
// Enrichment is best effort; a missing key or a network error only
// logs.
func (s *Service) enrichFromMetadata(ctx context.Context, animeID int64, tmdbID string) {
	if tmdbID == "" || s.metadata == nil {
		return
	}
	details, err := s.metadata.Details(ctx, "tmdb", tmdbID)
	if err != nil {
		log.Printf("[library] tmdb enrichment for anime %d failed: %v", animeID, err)
		return
	}
	if err := s.db.UpdateAliasesIfEmpty(ctx, animeID, details.NameEN, details.NameJP, details.NameRomaji, details.AliasesCN); err != nil {
		log.Printf("[library] alias update for anime %d failed: %v", animeID, err)
	}
	if err := s.db.UpdateMetadataIfEmpty(ctx, animeID, "", "", details.IMDBID, details.TVDBID, "", ""); err != nil {
		log.Printf("[library] metadata update for anime %d failed: %v", animeID, err)
	}
}

func dropKnown(comments []danmaku.Comment, known map[string]struct{}) []danmaku.Comment {
	if len(known) == 0 {
		return comments
	}
	out := comments[:0]
	for _, c := range comments {
		if _, dup := known[c.CID]; dup {
			continue
		}
		out = append(out, c)
	}
	return out
}
