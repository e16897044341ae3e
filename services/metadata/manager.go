// Package metadata integrates the external metadata providers (tmdb,
// bangumi, douban, tvdb, imdb) used for alias enrichment, auto-import
// and episode-group mapping.
package metadata

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
)

// Source is one external metadata provider. A provider whose credentials
// are not configured reports ErrNotConfigured from every call; the
// manager silently skips it during alias search.
type Source interface {
	ProviderName() string
	Search(ctx context.Context, keyword string) ([]models.MetadataDetails, error)
	Details(ctx context.Context, id string) (*models.MetadataDetails, error)
	CheckConnectivity(ctx context.Context) error
}

// ErrNotConfigured marks a provider missing its API key or cookie.
var ErrNotConfigured = fmt.Errorf("metadata source not configured")

// Manager mirrors the scraper registry for metadata providers and runs
// the cross-provider alias search.
type Manager struct {
	db      *database.DB
	mu      sync.RWMutex
	sources map[string]Source
	tmdb    *TMDBClient
	bangumi *BangumiClient
}

// NewManager builds the manager with every shipped provider registered.
func NewManager(db *database.DB) *Manager {
	tmdb := NewTMDBClient(db)
	bangumi := NewBangumiClient(db)
	m := &Manager{
		db:      db,
		sources: make(map[string]Source),
		tmdb:    tmdb,
		bangumi: bangumi,
	}
	for _, s := range []Source{
		tmdb,
		bangumi,
		NewDoubanClient(db),
		NewTVDBClient(db),
		NewIMDBClient(db),
	} {
		m.sources[s.ProviderName()] = s
	}
	return m
}

// TMDB exposes the TMDB client directly for the episode-group pipeline.
func (m *Manager) TMDB() *TMDBClient { return m.tmdb }

// Bangumi exposes the Bangumi client directly for the OAuth flow.
func (m *Manager) Bangumi() *BangumiClient { return m.bangumi }

// Sync reconciles the metadata_sources table with the registered
// providers, preserving user flags.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	m.mu.RUnlock()
	return m.db.SyncMetadataSources(ctx, names)
}

// Source returns one provider by name.
func (m *Manager) Source(name string) (Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[name]
	if !ok {
		return nil, fmt.Errorf("metadata source %q not available", name)
	}
	return s, nil
}

// SearchAliases queries every enabled aux-search provider for the
// keyword and returns the union of all alias strings found, including
// localized names. Providers without credentials are skipped, provider
// errors are logged and ignored.
func (m *Manager) SearchAliases(ctx context.Context, keyword string) ([]string, error) {
	settings, err := m.db.MetadataSourceSettings(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(alias string) {
		if alias == "" {
			return
		}
		if _, dup := seen[alias]; dup {
			return
		}
		seen[alias] = struct{}{}
		out = append(out, alias)
	}

	for _, setting := range settings {
		if !setting.IsEnabled || !setting.IsAuxSearchEnabled {
			continue
		}
		source, err := m.Source(setting.ProviderName)
		if err != nil {
			continue
		}
		results, err := source.Search(ctx, keyword)
		if err != nil {
			if err != ErrNotConfigured {
				log.Printf("[metadata] %s alias search failed: %v", setting.ProviderName, err)
			}
			continue
		}
		for _, r := range results {
			add(r.Title)
			add(r.NameEN)
			add(r.NameJP)
			add(r.NameRomaji)
			for _, a := range r.AliasesCN {
				add(a)
			}
		}
	}
	return out, nil
}

// Details fetches the full record for one provider id.
func (m *Manager) Details(ctx context.Context, provider, id string) (*models.MetadataDetails, error) {
	source, err := m.Source(provider)
	if err != nil {
		return nil, err
	}
	return source.Details(ctx, id)
}

// ConnectivityStatus checks each registered provider and returns a
// per-provider status string ("ok" or the error text).
func (m *Manager) ConnectivityStatus(ctx context.Context) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.sources))
	for name, s := range m.sources {
		if err := s.CheckConnectivity(ctx); err != nil {
			out[name] = err.Error()
		} else {
			out[name] = "ok"
		}
	}
	return out
}
