package scraper

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l429609201/danmu-api-server/config"
	"github.com/l429609201/danmu-api-server/internal/danmaku"
	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
	"github.com/l429609201/danmu-api-server/utils"
)

const (
	renrenAPIBase    = "https://api.rrmj.plus"
	renrenSearchPath = "/m-station/search/drama"
	renrenDramaPath  = "/m-station/drama/page"
	renrenDanmakuURL = "https://static-dm.rrmj.plus/v1/produce/danmu/EPISODE/%s"

	renrenClientVersion = "1.0.0"
	renrenClientType    = "web_pc"
	renrenSignSalt      = "ES513W0B1HsoJoWp"
)

var renrenURLPattern = regexp.MustCompile(`rrmj\.plus/(?:v/|video/)(\d+)`)

type renrenScraper struct {
	client   *Client
	deviceID string
}

// NewRenren builds the rrmj.plus scraper. Its API requires a signature
// over the sorted query parameters.
func NewRenren(ctx context.Context, db *database.DB, useProxy bool) (Scraper, error) {
	client, err := NewClient(ctx, "renren", db, useProxy)
	if err != nil {
		return nil, err
	}
	deviceID, _ := db.GetConfigValue(ctx, "scraper_renren_device_id", "")
	if deviceID == "" {
		deviceID = uuid.NewString()
		if err := db.SetConfigValue(ctx, "scraper_renren_device_id", deviceID); err != nil {
			return nil, err
		}
	}
	return &renrenScraper{client: client, deviceID: deviceID}, nil
}

func (s *renrenScraper) ProviderName() string { return "renren" }
func (s *renrenScraper) Loggable() bool       { return true }
func (s *renrenScraper) Close() error         { return s.client.Close() }

func (s *renrenScraper) ConfigurableFields() map[string]string {
	return map[string]string{
		"scraper_renren_episode_blacklist_regex": "Extra episode-title blacklist pattern",
		"scraper_renren_log_responses":           "Log raw responses (true/false)",
	}
}

// sign computes the request signature: md5 over the sorted query string
// plus device, timestamp and salt.
func (s *renrenScraper) sign(path string, params url.Values, ts int64) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(path)
	for _, k := range keys {
		b.WriteString("&" + k + "=" + params.Get(k))
	}
	b.WriteString("&deviceId=" + s.deviceID)
	b.WriteString("&t=" + strconv.FormatInt(ts, 10))
	b.WriteString(renrenSignSalt)
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (s *renrenScraper) get(ctx context.Context, path string, params url.Values) (int, []byte, error) {
	return s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		ts := time.Now().UnixMilli()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			renrenAPIBase+path+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", browserUserAgent)
		req.Header.Set("clientVersion", renrenClientVersion)
		req.Header.Set("clientType", renrenClientType)
		req.Header.Set("deviceId", s.deviceID)
		req.Header.Set("t", strconv.FormatInt(ts, 10))
		req.Header.Set("x-ca-sign", s.sign(path, params, ts))
		return req, nil
	})
}

type renrenSearchReply struct {
	Data struct {
		SearchDramaList []struct {
			ID         int64  `json:"id"`
			Title      string `json:"title"`
			Cover      string `json:"cover"`
			Year       string `json:"year"`
			EpisodeNum int    `json:"episodeTotal"`
			ClassifyList []struct {
				ClassifyName string `json:"classifyName"`
			} `json:"classifyList"`
		} `json:"searchDramaList"`
	} `json:"data"`
}

func (s *renrenScraper) Search(ctx context.Context, keyword string, hint *EpisodeHint) ([]models.ProviderSearchInfo, error) {
	cacheKey := "search_renren_" + keyword
	ttl := s.client.ConfigTTL(ctx, config.KeySearchTTL, 5*time.Minute)
	raw, err := s.client.Cached(ctx, cacheKey, ttl, func(ctx context.Context) (string, error) {
		params := url.Values{}
		params.Set("keywords", keyword)
		params.Set("size", "20")
		params.Set("order", "match")
		params.Set("search_after", "")
		_, body, err := s.get(ctx, renrenSearchPath, params)
		return string(body), err
	})
	if err != nil {
		log.Printf("[renren] search %q failed: %v", keyword, err)
		return nil, nil
	}

	var reply renrenSearchReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		log.Printf("[renren] search %q: bad reply: %v", keyword, err)
		return nil, nil
	}

	blacklist := s.client.UserBlacklist(ctx)
	var out []models.ProviderSearchInfo
	for _, d := range reply.Data.SearchDramaList {
		title := CleanTitle(d.Title)
		if d.ID == 0 || title == "" || IsJunkTitle(title, blacklist) {
			continue
		}
		mediaType := models.MediaTypeTVSeries
		for _, c := range d.ClassifyList {
			if strings.Contains(c.ClassifyName, "电影") {
				mediaType = models.MediaTypeMovie
			}
		}
		year, _ := strconv.Atoi(d.Year)
		info := models.ProviderSearchInfo{
			Provider:     "renren",
			MediaID:      strconv.FormatInt(d.ID, 10),
			Title:        title,
			Type:         mediaType,
			Season:       utils.SeasonFromTitle(title),
			Year:         year,
			ImageURL:     d.Cover,
			EpisodeCount: d.EpisodeNum,
		}
		if hint != nil && hint.Episode > 0 {
			info.CurrentEpisodeIndex = hint.Episode
		}
		out = append(out, info)
	}
	return out, nil
}

type renrenDramaReply struct {
	Data struct {
		EpisodeList []struct {
			SID   string `json:"sid"`
			Title string `json:"title"`
			Order int    `json:"episodeNo"`
		} `json:"episodeList"`
	} `json:"data"`
}

func (s *renrenScraper) GetEpisodes(ctx context.Context, mediaID string, targetIndex int, dbMediaType string) ([]models.ProviderEpisodeInfo, error) {
	cacheKey := "episodes_renren_" + mediaID
	ttl := s.client.ConfigTTL(ctx, config.KeyEpisodesTTL, 30*time.Minute)
	raw, err := s.client.Cached(ctx, cacheKey, ttl, func(ctx context.Context) (string, error) {
		params := url.Values{}
		params.Set("dramaId", mediaID)
		params.Set("hsdrOpen", "0")
		params.Set("quality", "SD")
		_, body, err := s.get(ctx, renrenDramaPath, params)
		return string(body), err
	})
	if err != nil {
		log.Printf("[renren] episodes %s failed: %v", mediaID, err)
		return nil, nil
	}

	var reply renrenDramaReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		log.Printf("[renren] episodes %s: bad reply: %v", mediaID, err)
		return nil, nil
	}

	blacklist := s.client.UserBlacklist(ctx)
	var out []models.ProviderEpisodeInfo
	index := 0
	for _, ep := range reply.Data.EpisodeList {
		title := CleanTitle(ep.Title)
		if ep.SID == "" || IsJunkTitle(title, blacklist) {
			continue
		}
		index++
		out = append(out, models.ProviderEpisodeInfo{
			Provider:     "renren",
			EpisodeID:    ep.SID,
			Title:        title,
			EpisodeIndex: index,
		})
	}
	if targetIndex > 0 {
		out = filterEpisodeIndex(out, targetIndex)
	}
	return out, nil
}

type renrenDanmakuEntry struct {
	D string `json:"d"`
	P string `json:"p"`
}

func (s *renrenScraper) GetComments(ctx context.Context, providerEpisodeID string, progress ProgressFunc) ([]danmaku.Comment, error) {
	if progress != nil {
		progress(10, "fetching danmaku")
	}
	_, body, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf(renrenDanmakuURL, providerEpisodeID), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", browserUserAgent)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("renren danmaku %s: %w", providerEpisodeID, err)
	}

	var entries []renrenDanmakuEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("renren danmaku %s: %w", providerEpisodeID, err)
	}

	if progress != nil {
		progress(80, "normalizing")
	}
	comments := make([]danmaku.Comment, 0, len(entries))
	for i, e := range entries {
		if e.D == "" {
			continue
		}
		// p packs "time,mode,size,color,...,cid"; missing pieces fall
		// back to defaults.
		parts := strings.Split(e.P, ",")
		var t float64
		mode := danmaku.ModeScroll
		color := danmaku.ColorWhite
		cid := strconv.Itoa(i)
		if len(parts) > 0 {
			t, _ = strconv.ParseFloat(parts[0], 64)
		}
		if len(parts) > 1 {
			if m, err := strconv.Atoi(parts[1]); err == nil &&
				(m == danmaku.ModeBottom || m == danmaku.ModeTop) {
				mode = m
			}
		}
		if len(parts) > 3 {
			if c, err := strconv.Atoi(parts[3]); err == nil {
				color = c
			}
		}
		if len(parts) > 4 && parts[len(parts)-1] != "" {
			cid = parts[len(parts)-1]
		}
		comments = append(comments, danmaku.Comment{
			CID: cid,
			P:   danmaku.PackParams(t, mode, color, "renren"),
			M:   e.D,
			T:   t,
		})
	}
	return danmaku.Normalize(comments, "renren"), nil
}

func (s *renrenScraper) ExecuteAction(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	switch name {
	case "parse_url":
		var req struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		m := renrenURLPattern.FindStringSubmatch(req.URL)
		if m == nil {
			return nil, fmt.Errorf("unrecognized renren url")
		}
		return map[string]string{"mediaId": m[1]}, nil
	default:
		return nil, UnknownAction(name)
	}
}
