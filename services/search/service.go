// Package search runs the provider fan-out search pipeline: keyword
// parsing, alias expansion, concurrent scraper queries and result
// filtering.
package search

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/text/width"

	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
	"github.com/l429609201/danmu-api-server/services/metadata"
	"github.com/l429609201/danmu-api-server/services/scraper"
	"github.com/l429609201/danmu-api-server/utils"
)

// perScraperTimeout bounds one provider's search so a hung site cannot
// stall the whole fan-out.
const perScraperTimeout = 20 * time.Second

var movieKeywords = []string{"剧场版", "劇場版", "movie", "映画"}

// Service is the provider search pipeline.
type Service struct {
	db       *database.DB
	registry *scraper.Registry
	metadata *metadata.Manager
}

// NewService wires the pipeline.
func NewService(db *database.DB, registry *scraper.Registry, meta *metadata.Manager) *Service {
	return &Service{db: db, registry: registry, metadata: meta}
}

// Search parses the keyword, expands it with metadata aliases, queries
// every enabled scraper concurrently and returns the filtered union in
// display order. Individual provider failures produce empty slices, not
// errors.
func (s *Service) Search(ctx context.Context, keyword string) ([]models.ProviderSearchInfo, error) {
	parsed := utils.ParseSearchKeyword(keyword)

	aliases, err := s.metadata.SearchAliases(ctx, parsed.Title)
	if err != nil {
		log.Printf("[search] alias expansion failed: %v", err)
		aliases = nil
	}
	filterSet := buildFilterSet(parsed.Title, aliases)

	scrapers, _, err := s.registry.Enabled(ctx)
	if err != nil {
		return nil, err
	}

	var hint *scraper.EpisodeHint
	if parsed.Season > 0 || parsed.Episode > 0 {
		hint = &scraper.EpisodeHint{Season: parsed.Season, Episode: parsed.Episode}
	}

	// Fan out, keeping one result slot per provider so the final order
	// follows display_order regardless of completion order.
	slots := make([][]models.ProviderSearchInfo, len(scrapers))
	p := pool.New().WithContext(ctx)
	for i, sc := range scrapers {
		i, sc := i, sc
		p.Go(func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, perScraperTimeout)
			defer cancel()
			results, err := sc.Search(ctx, parsed.Title, hint)
			if err != nil {
				log.Printf("[search] %s failed: %v", sc.ProviderName(), err)
				return nil
			}
			slots[i] = results
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	var out []models.ProviderSearchInfo
	for i := range slots {
		for _, r := range slots[i] {
			if !matchesFilterSet(r.Title, filterSet) {
				continue
			}
			if containsMovieKeyword(r.Title) {
				r.Type = models.MediaTypeMovie
				r.Season = 1
			}
			// A season-qualified query can only mean a series.
			if parsed.Season > 0 && (r.Type != models.MediaTypeTVSeries || r.Season != parsed.Season) {
				continue
			}
			if parsed.Episode > 0 {
				r.CurrentEpisodeIndex = parsed.Episode
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// Parse exposes the keyword parser for the match handler.
func (s *Service) Parse(keyword string) utils.ParsedKeyword {
	return utils.ParseSearchKeyword(keyword)
}

var bracketReplacer = strings.NewReplacer(
	"【", "", "】", "", "[", "", "]", "",
	"（", "", "）", "", "(", "", ")", "",
)

// normalizeForCompare folds a title for the alias filter: brackets
// stripped, width folded, lowercased, spaces removed, full-width colons
// folded to ASCII.
func normalizeForCompare(title string) string {
	t := bracketReplacer.Replace(title)
	t = width.Narrow.String(t)
	t = strings.ToLower(t)
	t = strings.ReplaceAll(t, " ", "")
	t = strings.ReplaceAll(t, "：", ":")
	return t
}

func buildFilterSet(title string, aliases []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range append([]string{title}, aliases...) {
		n := normalizeForCompare(a)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// matchesFilterSet accepts a result when its normalized title contains,
// or is contained in, any keyword/alias form. An empty filter set
// accepts everything.
func matchesFilterSet(title string, filterSet []string) bool {
	if len(filterSet) == 0 {
		return true
	}
	n := normalizeForCompare(title)
	if n == "" {
		return false
	}
	for _, f := range filterSet {
		if strings.Contains(n, f) || strings.Contains(f, n) {
			return true
		}
	}
	return false
}

func containsMovieKeyword(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range movieKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
