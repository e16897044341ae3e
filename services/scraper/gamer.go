package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/l429609201/danmu-api-server/config"
	"github.com/l429609201/danmu-api-server/internal/danmaku"
	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
	"github.com/l429609201/danmu-api-server/utils"
)

const (
	gamerSearchURL   = "https://api.gamer.com.tw/mobile_app/anime/v1/search.php"
	gamerDetailsURL  = "https://api.gamer.com.tw/mobile_app/anime/v2/details.php"
	gamerDanmakuURL  = "https://ani.gamer.com.tw/ajax/danmuGet.php"
	gamerDeviceIDURL = "https://ani.gamer.com.tw/ajax/getdeviceid.php"
)

var gamerURLPattern = regexp.MustCompile(`ani\.gamer\.com\.tw/animeVideo\.php\?sn=(\d+)`)

type gamerScraper struct {
	client *Client
}

// NewGamer builds the ani.gamer.com.tw scraper. The site keys requests
// to a device id; when it expires the client refreshes it and replays.
func NewGamer(ctx context.Context, db *database.DB, useProxy bool) (Scraper, error) {
	client, err := NewClient(ctx, "gamer", db, useProxy)
	if err != nil {
		return nil, err
	}
	s := &gamerScraper{client: client}
	client.SetSessionHooks(&SessionHooks{
		Expired: func(status int, body []byte) bool {
			return status == http.StatusUnauthorized ||
				strings.Contains(string(body), `"error"`) && strings.Contains(string(body), "1011")
		},
		Refresh: s.refreshDeviceID,
	})
	return s, nil
}

func (s *gamerScraper) ProviderName() string { return "gamer" }
func (s *gamerScraper) Loggable() bool       { return true }
func (s *gamerScraper) Close() error         { return s.client.Close() }

func (s *gamerScraper) ConfigurableFields() map[string]string {
	return map[string]string{
		"scraper_gamer_cookie":                  "Cookie blob sent with every request",
		"scraper_gamer_episode_blacklist_regex": "Extra episode-title blacklist pattern",
		"scraper_gamer_log_responses":           "Log raw responses (true/false)",
	}
}

func (s *gamerScraper) deviceID(ctx context.Context) string {
	v, _ := s.client.DB().GetConfigValue(ctx, "scraper_gamer_device_id", "")
	return v
}

func (s *gamerScraper) refreshDeviceID(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gamerDeviceIDURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var reply struct {
		DeviceID string `json:"deviceid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return err
	}
	if reply.DeviceID == "" {
		return fmt.Errorf("gamer device id reply empty")
	}
	return s.client.DB().SetConfigValue(ctx, "scraper_gamer_device_id", reply.DeviceID)
}

func (s *gamerScraper) get(ctx context.Context, rawURL string) (int, []byte, error) {
	return s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "Animad/1.16.16 (android)")
		if cookie := s.client.Cookie(ctx); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
		return req, nil
	})
}

type gamerSearchReply struct {
	AnimeList []struct {
		AnimeSN   int64  `json:"anime_sn"`
		VideoSN   int64  `json:"video_sn"`
		Title     string `json:"title"`
		Info      string `json:"info"`
		Cover     string `json:"cover"`
		Highlight string `json:"highlight"`
	} `json:"animeList"`
}

func (s *gamerScraper) Search(ctx context.Context, keyword string, hint *EpisodeHint) ([]models.ProviderSearchInfo, error) {
	cacheKey := "search_gamer_" + keyword
	ttl := s.client.ConfigTTL(ctx, config.KeySearchTTL, 5*time.Minute)
	raw, err := s.client.Cached(ctx, cacheKey, ttl, func(ctx context.Context) (string, error) {
		q := url.Values{}
		q.Set("kw", keyword)
		if id := s.deviceID(ctx); id != "" {
			q.Set("deviceid", id)
		}
		_, body, err := s.get(ctx, gamerSearchURL+"?"+q.Encode())
		return string(body), err
	})
	if err != nil {
		log.Printf("[gamer] search %q failed: %v", keyword, err)
		return nil, nil
	}

	var reply gamerSearchReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		log.Printf("[gamer] search %q: bad reply: %v", keyword, err)
		return nil, nil
	}

	blacklist := s.client.UserBlacklist(ctx)
	var out []models.ProviderSearchInfo
	for _, a := range reply.AnimeList {
		title := CleanTitle(a.Title)
		if a.AnimeSN == 0 || title == "" || IsJunkTitle(title, blacklist) {
			continue
		}
		mediaType := models.MediaTypeTVSeries
		if strings.Contains(a.Info, "剧场版") || strings.Contains(a.Info, "劇場版") || strings.Contains(title, "劇場版") {
			mediaType = models.MediaTypeMovie
		}
		info := models.ProviderSearchInfo{
			Provider: "gamer",
			MediaID:  strconv.FormatInt(a.AnimeSN, 10),
			Title:    title,
			Type:     mediaType,
			Season:   utils.SeasonFromTitle(title),
			ImageURL: a.Cover,
		}
		if hint != nil && hint.Episode > 0 {
			info.CurrentEpisodeIndex = hint.Episode
		}
		out = append(out, info)
	}
	return out, nil
}

type gamerDetailsReply struct {
	Data struct {
		Anime struct {
			Volumes map[string][]struct {
				VideoSN int64  `json:"video_sn"`
				Volume  string `json:"volume"`
			} `json:"volumes"`
		} `json:"anime"`
	} `json:"data"`
}

func (s *gamerScraper) GetEpisodes(ctx context.Context, mediaID string, targetIndex int, dbMediaType string) ([]models.ProviderEpisodeInfo, error) {
	cacheKey := "episodes_gamer_" + mediaID
	ttl := s.client.ConfigTTL(ctx, config.KeyEpisodesTTL, 30*time.Minute)
	raw, err := s.client.Cached(ctx, cacheKey, ttl, func(ctx context.Context) (string, error) {
		q := url.Values{}
		q.Set("sn", mediaID)
		if id := s.deviceID(ctx); id != "" {
			q.Set("deviceid", id)
		}
		_, body, err := s.get(ctx, gamerDetailsURL+"?"+q.Encode())
		return string(body), err
	})
	if err != nil {
		log.Printf("[gamer] episodes %s failed: %v", mediaID, err)
		return nil, nil
	}

	var reply gamerDetailsReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		log.Printf("[gamer] episodes %s: bad reply: %v", mediaID, err)
		return nil, nil
	}

	blacklist := s.client.UserBlacklist(ctx)
	var out []models.ProviderEpisodeInfo
	index := 0
	// "本篇" holds the main episodes; other volume groups are specials.
	for _, ep := range reply.Data.Anime.Volumes["0"] {
		title := CleanTitle("第" + ep.Volume + "話")
		if ep.VideoSN == 0 || IsJunkTitle(title, blacklist) {
			continue
		}
		index++
		out = append(out, models.ProviderEpisodeInfo{
			Provider:     "gamer",
			EpisodeID:    strconv.FormatInt(ep.VideoSN, 10),
			Title:        title,
			EpisodeIndex: index,
			URL:          "https://ani.gamer.com.tw/animeVideo.php?sn=" + strconv.FormatInt(ep.VideoSN, 10),
		})
	}
	if targetIndex > 0 {
		out = filterEpisodeIndex(out, targetIndex)
	}
	return out, nil
}

type gamerDanmakuEntry struct {
	Text     string  `json:"text"`
	Time     float64 `json:"time"`
	Color    string  `json:"color"`
	Position int     `json:"position"`
	SN       int64   `json:"sn"`
}

func (s *gamerScraper) GetComments(ctx context.Context, providerEpisodeID string, progress ProgressFunc) ([]danmaku.Comment, error) {
	if progress != nil {
		progress(10, "fetching danmaku")
	}
	_, body, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		form := url.Values{}
		form.Set("sn", providerEpisodeID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, gamerDanmakuURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("User-Agent", browserUserAgent)
		req.Header.Set("Origin", "https://ani.gamer.com.tw")
		if cookie := s.client.Cookie(ctx); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gamer danmaku %s: %w", providerEpisodeID, err)
	}

	var entries []gamerDanmakuEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("gamer danmaku %s: %w", providerEpisodeID, err)
	}

	if progress != nil {
		progress(80, "normalizing")
	}
	comments := make([]danmaku.Comment, 0, len(entries))
	for _, e := range entries {
		if e.Text == "" {
			continue
		}
		// The site reports time in deciseconds.
		t := e.Time / 10
		mode := danmaku.ModeScroll
		switch e.Position {
		case 1:
			mode = danmaku.ModeTop
		case 2:
			mode = danmaku.ModeBottom
		}
		color := danmaku.ColorWhite
		if c, err := strconv.ParseInt(strings.TrimPrefix(e.Color, "#"), 16, 32); err == nil {
			color = int(c)
		}
		comments = append(comments, danmaku.Comment{
			CID: strconv.FormatInt(e.SN, 10),
			P:   danmaku.PackParams(t, mode, color, "gamer"),
			M:   e.Text,
			T:   t,
		})
	}
	if progress != nil {
		progress(100, "done")
	}
	return danmaku.Normalize(comments, "gamer"), nil
}

func (s *gamerScraper) ExecuteAction(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	switch name {
	case "parse_url":
		var req struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		m := gamerURLPattern.FindStringSubmatch(req.URL)
		if m == nil {
			return nil, fmt.Errorf("unrecognized gamer url")
		}
		return map[string]string{"episodeId": m[1]}, nil
	case "refresh_cookie":
		if err := s.refreshDeviceID(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	default:
		return nil, UnknownAction(name)
	}
}
