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

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/l429609201/danmu-api-server/config"
	"github.com/l429609201/danmu-api-server/internal/danmaku"
	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
	"github.com/l429609201/danmu-api-server/utils"
)

const (
	biliSearchURL  = "https://api.bilibili.com/x/web-interface/search/type"
	biliSeasonURL  = "https://api.bilibili.com/pgc/view/web/season"
	biliViewURL    = "https://api.bilibili.com/x/web-interface/view"
	biliSegmentURL = "https://api.bilibili.com/x/v2/dm/web/seg.so"
)

var (
	biliSeasonURLPattern = regexp.MustCompile(`bilibili\.com/bangumi/play/(ss\d+|ep\d+)`)
	biliVideoURLPattern  = regexp.MustCompile(`bilibili\.com/video/(BV\w+)`)
)

type bilibiliScraper struct {
	client *Client
}

// NewBilibili builds the bilibili.com scraper.
func NewBilibili(ctx context.Context, db *database.DB, useProxy bool) (Scraper, error) {
	client, err := NewClient(ctx, "bilibili", db, useProxy)
	if err != nil {
		return nil, err
	}
	return &bilibiliScraper{client: client}, nil
}

func (s *bilibiliScraper) ProviderName() string { return "bilibili" }
func (s *bilibiliScraper) Loggable() bool       { return true }
func (s *bilibiliScraper) Close() error         { return s.client.Close() }

func (s *bilibiliScraper) ConfigurableFields() map[string]string {
	return map[string]string{
		"scraper_bilibili_cookie":                  "Cookie blob (SESSDATA etc.) sent with every request",
		"scraper_bilibili_episode_blacklist_regex": "Extra episode-title blacklist pattern",
		"scraper_bilibili_log_responses":           "Log raw responses (true/false)",
	}
}

func (s *bilibiliScraper) get(ctx context.Context, rawURL string) (int, []byte, error) {
	return s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", browserUserAgent)
		req.Header.Set("Referer", "https://www.bilibili.com/")
		if cookie := s.client.Cookie(ctx); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
		return req, nil
	})
}

type biliSearchReply struct {
	Code int `json:"code"`
	Data struct {
		Result []struct {
			SeasonID   int64  `json:"season_id"`
			Title      string `json:"title"`
			Cover      string `json:"cover"`
			SeasonType string `json:"season_type_name"`
			PubTime    int64  `json:"pubtime"`
			EpSize     int    `json:"ep_size"`
		} `json:"result"`
	} `json:"data"`
}

func (s *bilibiliScraper) Search(ctx context.Context, keyword string, hint *EpisodeHint) ([]models.ProviderSearchInfo, error) {
	cacheKey := "search_bilibili_" + keyword
	ttl := s.client.ConfigTTL(ctx, config.KeySearchTTL, 5*time.Minute)
	raw, err := s.client.Cached(ctx, cacheKey, ttl, func(ctx context.Context) (string, error) {
		// Bangumi and film/tv indexes are separate search types; query both.
		var merged []json.RawMessage
		for _, searchType := range []string{"media_bangumi", "media_ft"} {
			q := url.Values{}
			q.Set("search_type", searchType)
			q.Set("keyword", keyword)
			_, body, err := s.get(ctx, biliSearchURL+"?"+q.Encode())
			if err != nil {
				return "", err
			}
			merged = append(merged, body)
		}
		out, err := json.Marshal(merged)
		return string(out), err
	})
	if err != nil {
		log.Printf("[bilibili] search %q failed: %v", keyword, err)
		return nil, nil
	}

	var pages []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &pages); err != nil {
		log.Printf("[bilibili] search %q: bad cache payload: %v", keyword, err)
		return nil, nil
	}

	blacklist := s.client.UserBlacklist(ctx)
	var out []models.ProviderSearchInfo
	for _, page := range pages {
		var reply biliSearchReply
		if err := json.Unmarshal(page, &reply); err != nil || reply.Code != 0 {
			continue
		}
		for _, r := range reply.Data.Result {
			title := CleanTitle(r.Title)
			if r.SeasonID == 0 || title == "" || IsJunkTitle(title, blacklist) {
				continue
			}
			mediaType := models.MediaTypeTVSeries
			if strings.Contains(r.SeasonType, "电影") || strings.Contains(r.SeasonType, "剧场版") {
				mediaType = models.MediaTypeMovie
			}
			info := models.ProviderSearchInfo{
				Provider:     "bilibili",
				MediaID:      "ss" + strconv.FormatInt(r.SeasonID, 10),
				Title:        title,
				Type:         mediaType,
				Season:       utils.SeasonFromTitle(title),
				Year:         time.Unix(r.PubTime, 0).Year(),
				ImageURL:     r.Cover,
				EpisodeCount: r.EpSize,
			}
			if hint != nil && hint.Episode > 0 {
				info.CurrentEpisodeIndex = hint.Episode
			}
			out = append(out, info)
		}
	}
	return out, nil
}

type biliSeasonReply struct {
	Code   int `json:"code"`
	Result struct {
		Episodes []struct {
			ID       int64  `json:"id"`
			CID      int64  `json:"cid"`
			Title    string `json:"title"`
			LongTitle string `json:"long_title"`
			ShareURL string `json:"share_url"`
			BadgeType int   `json:"badge_type"`
		} `json:"episodes"`
	} `json:"result"`
}

type biliViewReply struct {
	Code int `json:"code"`
	Data struct {
		Pages []struct {
			CID  int64  `json:"cid"`
			Page int    `json:"page"`
			Part string `json:"part"`
		} `json:"pages"`
		BVID string `json:"bvid"`
	} `json:"data"`
}

func (s *bilibiliScraper) GetEpisodes(ctx context.Context, mediaID string, targetIndex int, dbMediaType string) ([]models.ProviderEpisodeInfo, error) {
	cacheKey := "episodes_bilibili_" + mediaID
	ttl := s.client.ConfigTTL(ctx, config.KeyEpisodesTTL, 30*time.Minute)

	var fetchURL string
	switch {
	case strings.HasPrefix(mediaID, "ss"):
		fetchURL = biliSeasonURL + "?season_id=" + strings.TrimPrefix(mediaID, "ss")
	case strings.HasPrefix(mediaID, "ep"):
		fetchURL = biliSeasonURL + "?ep_id=" + strings.TrimPrefix(mediaID, "ep")
	case strings.HasPrefix(mediaID, "BV"):
		fetchURL = biliViewURL + "?bvid=" + mediaID
	default:
		log.Printf("[bilibili] unrecognized media id %q", mediaID)
		return nil, nil
	}

	raw, err := s.client.Cached(ctx, cacheKey, ttl, func(ctx context.Context) (string, error) {
		_, body, err := s.get(ctx, fetchURL)
		return string(body), err
	})
	if err != nil {
		log.Printf("[bilibili] episodes %s failed: %v", mediaID, err)
		return nil, nil
	}

	blacklist := s.client.UserBlacklist(ctx)
	var out []models.ProviderEpisodeInfo
	if strings.HasPrefix(mediaID, "BV") {
		var reply biliViewReply
		if err := json.Unmarshal([]byte(raw), &reply); err != nil || reply.Code != 0 {
			log.Printf("[bilibili] episodes %s: bad reply", mediaID)
			return nil, nil
		}
		for _, p := range reply.Data.Pages {
			title := CleanTitle(p.Part)
			if IsJunkTitle(title, blacklist) {
				continue
			}
			out = append(out, models.ProviderEpisodeInfo{
				Provider:     "bilibili",
				EpisodeID:    strconv.FormatInt(p.CID, 10),
				Title:        title,
				EpisodeIndex: p.Page,
				URL:          "https://www.bilibili.com/video/" + mediaID + "?p=" + strconv.Itoa(p.Page),
			})
		}
	} else {
		var reply biliSeasonReply
		if err := json.Unmarshal([]byte(raw), &reply); err != nil || reply.Code != 0 {
			log.Printf("[bilibili] episodes %s: bad reply", mediaID)
			return nil, nil
		}
		index := 0
		for _, ep := range reply.Result.Episodes {
			title := CleanTitle(strings.TrimSpace(ep.Title + " " + ep.LongTitle))
			// badge_type 1 marks previews for unpurchased episodes.
			if ep.CID == 0 || ep.BadgeType == 1 || IsJunkTitle(title, blacklist) {
				continue
			}
			index++
			out = append(out, models.ProviderEpisodeInfo{
				Provider:     "bilibili",
				EpisodeID:    strconv.FormatInt(ep.CID, 10),
				Title:        title,
				EpisodeIndex: index,
				URL:          ep.ShareURL,
			})
		}
	}
	if targetIndex > 0 {
		out = filterEpisodeIndex(out, targetIndex)
	}
	return out, nil
}

// GetComments pulls the 6-minute protobuf danmaku segments for a cid
// until an empty segment comes back, decoding them with protowire.
func (s *bilibiliScraper) GetComments(ctx context.Context, providerEpisodeID string, progress ProgressFunc) ([]danmaku.Comment, error) {
	var comments []danmaku.Comment
	for segment := 1; ; segment++ {
		if progress != nil {
			p := segment * 5
			if p > 95 {
				p = 95
			}
			progress(p, fmt.Sprintf("danmaku segment %d", segment))
		}
		q := url.Values{}
		q.Set("type", "1")
		q.Set("oid", providerEpisodeID)
		q.Set("segment_index", strconv.Itoa(segment))
		status, body, err := s.get(ctx, biliSegmentURL+"?"+q.Encode())
		if err != nil {
			return nil, fmt.Errorf("bilibili segment %d: %w", segment, err)
		}
		if status == http.StatusNotFound || len(body) == 0 {
			break
		}
		batch, err := decodeBiliSegment(body)
		if err != nil {
			return nil, fmt.Errorf("bilibili segment %d: %w", segment, err)
		}
		if len(batch) == 0 {
			break
		}
		comments = append(comments, batch...)
	}
	if progress != nil {
		progress(100, "normalizing")
	}
	return danmaku.Normalize(comments, "bilibili"), nil
}

// decodeBiliSegment parses a DmSegMobileReply without generated stubs.
// The outer message repeats field 1 (DanmakuElem); the elem fields used
// here are 1 id, 2 progress (ms), 3 mode, 5 color, 7 content.
func decodeBiliSegment(data []byte) ([]danmaku.Comment, error) {
	var out []danmaku.Comment
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		elem, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		c, err := decodeBiliElem(elem)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func decodeBiliElem(data []byte) (*danmaku.Comment, error) {
	var (
		id         int64
		progressMs int64
		mode       int64 = 1
		color      int64 = danmaku.ColorWhite
		content    string
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			id = int64(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			progressMs = int64(v)
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			mode = int64(v)
			data = data[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			color = int64(v)
			data = data[n:]
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			content = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if id == 0 || content == "" {
		return nil, nil
	}
	t := float64(progressMs) / 1000
	// bilibili modes 4 (bottom) and 5 (top) match ours; everything else
	// scrolls.
	m := int(mode)
	if m != danmaku.ModeBottom && m != danmaku.ModeTop {
		m = danmaku.ModeScroll
	}
	return &danmaku.Comment{
		CID: strconv.FormatInt(id, 10),
		P:   danmaku.PackParams(t, m, int(color), "bilibili"),
		M:   content,
		T:   t,
	}, nil
}

func (s *bilibiliScraper) ExecuteAction(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	switch name {
	case "parse_url":
		var req struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if m := biliSeasonURLPattern.FindStringSubmatch(req.URL); m != nil {
			return map[string]string{"mediaId": m[1]}, nil
		}
		if m := biliVideoURLPattern.FindStringSubmatch(req.URL); m != nil {
			return map[string]string{"mediaId": m[1]}, nil
		}
		return nil, fmt.Errorf("unrecognized bilibili url")
	case "logout":
		if err := s.client.SetCookie(ctx, ""); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	default:
		return nil, UnknownAction(name)
	}
}
