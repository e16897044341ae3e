// Package library orchestrates imports and refreshes: it drives the
// scrapers, persists works, sources, episodes and comments, and runs
// the long operations through the task engine.
package library

import (
	"context"
	"fmt"
	"log"

	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
	"github.com/l429609201/danmu-api-server/services/images"
	"github.com/l429609201/danmu-api-server/services/metadata"
	"github.com/l429609201/danmu-api-server/services/scraper"
	"github.com/l429609201/danmu-api-server/services/task"
)

// Service is the library orchestrator.
type Service struct {
	db       *database.DB
	registry *scraper.Registry
	metadata *metadata.Manager
	tasks    *task.Manager
	images   *images.Service
}

// NewService wires the orchestrator.
func NewService(db *database.DB, registry *scraper.Registry, meta *metadata.Manager, tasks *task.Manager, imgs *images.Service) *Service {
	return &Service{db: db, registry: registry, metadata: meta, tasks: tasks, images: imgs}
}

// List returns the library listing.
func (s *Service) List(ctx context.Context) ([]models.LibraryAnime, error) {
	return s.db.Library(ctx)
}

// Details returns the full editable view of one work.
func (s *Service) Details(ctx context.Context, animeID int64) (*models.AnimeDetails, error) {
	return s.db.GetAnimeDetails(ctx, animeID)
}

// UpdateDetails rewrites a work's editable fields.
func (s *Service) UpdateDetails(ctx context.Context, d *models.AnimeDetails) error {
	return s.db.UpdateAnimeDetails(ctx, d)
}

// Sources lists a work's bound providers.
func (s *Service) Sources(ctx context.Context, animeID int64) ([]models.Source, error) {
	return s.db.SourcesForAnime(ctx, animeID)
}

// Episodes lists one source's episodes.
func (s *Service) Episodes(ctx context.Context, sourceID int64) ([]models.Episode, error) {
	return s.db.EpisodesForSource(ctx, sourceID)
}

// ToggleFavorite flips a source's favorite flag; favoriting clears the
// flag on the work's other sources.
func (s *Service) ToggleFavorite(ctx context.Context, sourceID int64) (bool, error) {
	return s.db.ToggleSourceFavorite(ctx, sourceID)
}

// SetIncrementalRefresh enables or disables the scheduled incremental
// refresh for one source.
func (s *Service) SetIncrementalRefresh(ctx context.Context, sourceID int64, enabled bool) error {
	return s.db.SetIncrementalRefresh(ctx, sourceID, enabled)
}

// UpdateEpisode edits one episode's title, index and url.
func (s *Service) UpdateEpisode(ctx context.Context, episodeID int64, title string, index int, sourceURL string) error {
	return s.db.UpdateEpisode(ctx, episodeID, title, index, sourceURL)
}

// ReorderEpisodes renumbers a source's episodes 1..N as a task, since
// re-keying episode ids moves every comment row along.
func (s *Service) ReorderEpisodes(ctx context.Context, sourceID int64) (string, error) {
	info, err := s.db.GetSourceInfo(ctx, sourceID)
	if err != nil {
		return "", err
	}
	title := fmt.Sprintf("重整集数: %s (%s)", info.Title, info.ProviderName)
	return s.tasks.Submit(ctx, title, func(ctx context.Context, progress task.ProgressFunc) error {
		progress(10, "renumbering episodes")
		if err := s.db.ReorderEpisodes(ctx, sourceID); err != nil {
			return err
		}
		return task.Success("episodes renumbered")
	})
}

// Reassociate moves every source from one work onto another and removes
// the origin work.
func (s *Service) Reassociate(ctx context.Context, fromAnimeID, toAnimeID int64) error {
	return s.db.ReassociateSources(ctx, fromAnimeID, toAnimeID)
}

// DeleteAnime removes a work and everything under it as a task.
func (s *Service) DeleteAnime(ctx context.Context, animeID int64) (string, error) {
	d, err := s.db.GetAnimeDetails(ctx, animeID)
	if err != nil {
		return "", err
	}
	return s.tasks.Submit(ctx, fmt.Sprintf("删除作品: %s", d.Title), func(ctx context.Context, progress task.ProgressFunc) error {
		progress(10, "deleting")
		if err := s.db.DeleteAnime(ctx, animeID); err != nil {
			return err
		}
		return task.Success("deleted")
	})
}

// DeleteSource removes one source and its episodes as a task.
func (s *Service) DeleteSource(ctx context.Context, sourceID int64) (string, error) {
	info, err := s.db.GetSourceInfo(ctx, sourceID)
	if err != nil {
		return "", err
	}
	title := fmt.Sprintf("删除源: %s (%s)", info.Title, info.ProviderName)
	return s.tasks.Submit(ctx, title, func(ctx context.Context, progress task.ProgressFunc) error {
		progress(10, "deleting")
		if err := s.db.DeleteSource(ctx, sourceID); err != nil {
			return err
		}
		return task.Success("deleted")
	})
}

// DeleteEpisode removes one episode and its comments as a task.
func (s *Service) DeleteEpisode(ctx context.Context, episodeID int64) (string, error) {
	ep, err := s.db.GetEpisode(ctx, episodeID)
	if err != nil {
		return "", err
	}
	return s.tasks.Submit(ctx, fmt.Sprintf("删除分集: %s", ep.Title), func(ctx context.Context, progress task.ProgressFunc) error {
		progress(10, "deleting")
		if err := s.db.DeleteEpisode(ctx, episodeID); err != nil {
			return err
		}
		return task.Success("deleted")
	})
}

// downloadPoster stores a poster locally. Failures only log: imports
// never fail over artwork.
func (s *Service) downloadPoster(ctx context.Context, imageURL string) string {
	if imageURL == "" || s.images == nil {
		return ""
	}
	local, err := s.images.Download(ctx, imageURL)
	if err != nil {
		log.Printf("[library] poster download failed for %s: %v", imageURL, err)
		return ""
	}
	return local
}
