package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
)

// WithToken validates the path token, applies the UA denylist and logs
// the access before handing off to the endpoint.
func (h *Handler) WithToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tokenStr := mux.Vars(r)["token"]
		ua := r.UserAgent()
		ip := clientIP(r)

		token, err := h.db.FindAPIToken(ctx, tokenStr)
		if err != nil {
			if !errors.Is(err, database.ErrNotFound) {
				serviceError(w, err)
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		expired := token.ExpiresAt != nil && token.ExpiresAt.Before(time.Now())
		if !token.IsEnabled || expired {
			h.logAccess(ctx, token.ID, ip, ua, database.TokenAccessDenied, r.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		if h.uaBlocked(ctx, ua) {
			h.logAccess(ctx, token.ID, ip, ua, database.TokenAccessUABlocked, r.URL.Path)
			writeError(w, http.StatusForbidden, "client not allowed")
			return
		}

		h.logAccess(ctx, token.ID, ip, ua, database.TokenAccessAllowed, r.URL.Path)
		next(w, r)
	}
}

func (h *Handler) logAccess(ctx context.Context, tokenID int64, ip, ua, status, path string) {
	if err := h.db.LogTokenAccess(ctx, tokenID, ip, ua, status, path); err != nil {
		log.Printf("[compat] access log failed: %v", err)
	}
}

func (h *Handler) uaBlocked(ctx context.Context, ua string) bool {
	rules, err := h.db.ListUARules(ctx)
	if err != nil {
		log.Printf("[compat] ua rules: %v", err)
		return false
	}
	for _, rule := range rules {
		if rule.UAString != "" && strings.Contains(ua, rule.UAString) {
			return true
		}
	}
	return false
}

// CompatSearchAnime is GET /api/v1/{token}/search/anime: searches the
// local library, dandanplay style.
func (h *Handler) CompatSearchAnime(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keyword := r.URL.Query().Get("keyword")
	if keyword == "" {
		keyword = r.URL.Query().Get("anime")
	}
	if keyword == "" {
		writeError(w, http.StatusBadRequest, "keyword required")
		return
	}

	parsed := h.search.Parse(keyword)
	animes, err := h.db.FindAnimesForMatch(ctx, parsed.Title, parsed.Season)
	if err != nil {
		serviceError(w, err)
		return
	}

	type compatAnime struct {
		AnimeID    int64   `json:"animeId"`
		AnimeTitle string  `json:"animeTitle"`
		Type       string  `json:"type"`
		Rating     int     `json:"rating"`
		ImageURL   *string `json:"imageUrl"`
	}

	out := make([]compatAnime, 0, len(animes))
	for _, a := range animes {
		out = append(out, compatAnime{AnimeID: a.AnimeID, AnimeTitle: a.Title, Type: a.Type})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hasMore": false,
		"animes":  out,
	})
}

// CompatMatch is GET /api/v1/{token}/match: resolves a media file name
// to a stored episode.
func (h *Handler) CompatMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fileName := r.URL.Query().Get("fileName")
	if fileName == "" {
		writeError(w, http.StatusBadRequest, "fileName required")
		return
	}

	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	parsed := h.search.Parse(base)

	matches, err := h.matchEpisodes(ctx, parsed.Title, parsed.Season, parsed.Episode)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isMatched": len(matches) == 1,
		"matches":   matches,
	})
}

func (h *Handler) matchEpisodes(ctx context.Context, title string, season, episode int) ([]models.MatchResult, error) {
	if episode <= 0 {
		episode = 1
	}
	animes, err := h.db.FindAnimesForMatch(ctx, title, season)
	if err != nil {
		return nil, err
	}

	matches := make([]models.MatchResult, 0, 1)
	for _, a := range animes {
		index := episode
		// A TMDB episode-group mapping can renumber: the file's
		// season/episode resolve to an absolute index.
		if a.TMDBID != "" && a.TMDBEpisodeGroupID != "" && season > 0 {
			if tvID, err := strconv.ParseInt(a.TMDBID, 10, 64); err == nil {
				m, err := h.db.TMDBMappingByCustom(ctx, tvID, a.TMDBEpisodeGroupID, season, episode)
				if err == nil {
					index = m.AbsoluteEpisodeNumber
				}
			}
		}
		ep, err := h.db.FindEpisodeForMatch(ctx, a.AnimeID, index)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		matches = append(matches, models.MatchResult{
			AnimeID:      a.AnimeID,
			AnimeTitle:   a.Title,
			EpisodeID:    ep.ID,
			EpisodeTitle: ep.Title,
			Type:         a.Type,
		})
		// First candidate wins; season-exact matches are ordered first.
		break
	}
	return matches, nil
}

// CompatComments is GET /api/v1/{token}/comment/{episodeId}.
func (h *Handler) CompatComments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	episodeID, err := pathInt64(r, "episodeId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed episode id")
		return
	}

	if _, err := h.db.GetEpisode(ctx, episodeID); err != nil {
		serviceError(w, err)
		return
	}
	comments, err := h.db.StoredCommentsForEpisode(ctx, episodeID)
	if err != nil {
		serviceError(w, err)
		return
	}

	type compatComment struct {
		CID int64  `json:"cid"`
		P   string `json:"p"`
		M   string `json:"m"`
	}
	out := make([]compatComment, 0, len(comments))
	for _, c := range comments {
		out = append(out, compatComment{CID: c.ID, P: c.P, M: c.M})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(out),
		"comments": out,
	})
}
