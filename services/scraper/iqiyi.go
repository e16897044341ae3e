package scraper

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
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
	iqiyiSearchURL   = "https://search.video.iqiyi.com/o"
	iqiyiEpisodesURL = "https://pcw-api.iqiyi.com/albums/album/avlistinfo"
	iqiyiBulletURL   = "https://cmts.iqiyi.com/bullet/%s/%s/%s_300_%d.z"
)

var iqiyiURLPattern = regexp.MustCompile(`iqiyi\.com/(v_\w+)\.html`)

type iqiyiScraper struct {
	client *Client
}

// NewIqiyi builds the iqiyi.com scraper.
func NewIqiyi(ctx context.Context, db *database.DB, useProxy bool) (Scraper, error) {
	client, err := NewClient(ctx, "iqiyi", db, useProxy)
	if err != nil {
		return nil, err
	}
	return &iqiyiScraper{client: client}, nil
}

func (s *iqiyiScraper) ProviderName() string { return "iqiyi" }
func (s *iqiyiScraper) Loggable() bool       { return true }
func (s *iqiyiScraper) Close() error         { return s.client.Close() }

func (s *iqiyiScraper) ConfigurableFields() map[string]string {
	return map[string]string{
		"scraper_iqiyi_episode_blacklist_regex": "Extra episode-title blacklist pattern",
		"scraper_iqiyi_log_responses":           "Log raw responses (true/false)",
	}
}

type iqiyiSearchReply struct {
	Data struct {
		DocInfos []struct {
			AlbumDocInfo struct {
				AlbumID      int64  `json:"albumId"`
				AlbumTitle   string `json:"albumTitle"`
				AlbumImg     string `json:"albumImg"`
				Channel      string `json:"channel"`
				ReleaseDate  string `json:"releaseDate"`
				ItemTotalNumber int `json:"itemTotalNumber"`
				SiteID       string `json:"siteId"`
			} `json:"albumDocInfo"`
		} `json:"docinfos"`
	} `json:"data"`
}

func (s *iqiyiScraper) Search(ctx context.Context, keyword string, hint *EpisodeHint) ([]models.ProviderSearchInfo, error) {
	cacheKey := "search_iqiyi_" + keyword
	ttl := s.client.ConfigTTL(ctx, config.KeySearchTTL, 5*time.Minute)
	raw, err := s.client.Cached(ctx, cacheKey, ttl, func(ctx context.Context) (string, error) {
		q := url.Values{}
		q.Set("if", "html5")
		q.Set("key", keyword)
		q.Set("pageNum", "1")
		q.Set("pageSize", "25")
		_, body, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, iqiyiSearchURL+"?"+q.Encode(), nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("User-Agent", browserUserAgent)
			return req, nil
		})
		return string(body), err
	})
	if err != nil {
		log.Printf("[iqiyi] search %q failed: %v", keyword, err)
		return nil, nil
	}

	var reply iqiyiSearchReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		log.Printf("[iqiyi] search %q: bad reply: %v", keyword, err)
		return nil, nil
	}

	blacklist := s.client.UserBlacklist(ctx)
	var out []models.ProviderSearchInfo
	for _, doc := range reply.Data.DocInfos {
		info := doc.AlbumDocInfo
		// Third-party site results carry a foreign siteId.
		if info.AlbumID == 0 || (info.SiteID != "" && info.SiteID != "iqiyi") {
			continue
		}
		title := CleanTitle(info.AlbumTitle)
		if title == "" || IsJunkTitle(title, blacklist) {
			continue
		}
		mediaType := models.MediaTypeTVSeries
		if strings.Contains(info.Channel, "电影") {
			mediaType = models.MediaTypeMovie
		}
		year := 0
		if len(info.ReleaseDate) >= 4 {
			year, _ = strconv.Atoi(info.ReleaseDate[:4])
		}
		result := models.ProviderSearchInfo{
			Provider:     "iqiyi",
			MediaID:      strconv.FormatInt(info.AlbumID, 10),
			Title:        title,
			Type:         mediaType,
			Season:       utils.SeasonFromTitle(title),
			Year:         year,
			ImageURL:     info.AlbumImg,
			EpisodeCount: info.ItemTotalNumber,
		}
		if hint != nil && hint.Episode > 0 {
			result.CurrentEpisodeIndex = hint.Episode
		}
		out = append(out, result)
	}
	return out, nil
}

type iqiyiEpisodesReply struct {
	Data struct {
		EpsodeList []struct {
			TVID        int64   `json:"tvId"`
			Name        string  `json:"name"`
			Order       int     `json:"order"`
			PlayURL     string  `json:"playUrl"`
			ContentType int     `json:"contentType"`
			Duration    string  `json:"duration"`
		} `json:"epsodelist"`
	} `json:"data"`
}

func (s *iqiyiScraper) GetEpisodes(ctx context.Context, mediaID string, targetIndex int, dbMediaType string) ([]models.ProviderEpisodeInfo, error) {
	cacheKey := "episodes_iqiyi_" + mediaID
	ttl := s.client.ConfigTTL(ctx, config.KeyEpisodesTTL, 30*time.Minute)
	raw, err := s.client.Cached(ctx, cacheKey, ttl, func(ctx context.Context) (string, error) {
		q := url.Values{}
		q.Set("aid", mediaID)
		q.Set("page", "1")
		q.Set("size", "200")
		_, body, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, iqiyiEpisodesURL+"?"+q.Encode(), nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("User-Agent", browserUserAgent)
			return req, nil
		})
		return string(body), err
	})
	if err != nil {
		log.Printf("[iqiyi] episodes %s failed: %v", mediaID, err)
		return nil, nil
	}

	var reply iqiyiEpisodesReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		log.Printf("[iqiyi] episodes %s: bad reply: %v", mediaID, err)
		return nil, nil
	}

	blacklist := s.client.UserBlacklist(ctx)
	var out []models.ProviderEpisodeInfo
	index := 0
	for _, ep := range reply.Data.EpsodeList {
		// contentType 1 is a feature episode; everything else is filler.
		if ep.TVID == 0 || ep.ContentType != 1 {
			continue
		}
		title := CleanTitle(ep.Name)
		if IsJunkTitle(title, blacklist) {
			continue
		}
		index++
		out = append(out, models.ProviderEpisodeInfo{
			Provider:     "iqiyi",
			EpisodeID:    strconv.FormatInt(ep.TVID, 10),
			Title:        title,
			EpisodeIndex: index,
			URL:          ep.PlayURL,
		})
	}
	if targetIndex > 0 {
		out = filterEpisodeIndex(out, targetIndex)
	}
	return out, nil
}

type iqiyiBulletXML struct {
	Entries []struct {
		List []struct {
			ContentID string  `xml:"contentId"`
			Content   string  `xml:"content"`
			ShowTime  float64 `xml:"showTime"`
			Color     string  `xml:"color"`
			Position  int     `xml:"position"`
		} `xml:"list>bulletInfo"`
	} `xml:"data>entry"`
}

// GetComments walks the 300-second bullet segments until the site
// returns 404 for the next index.
func (s *iqiyiScraper) GetComments(ctx context.Context, providerEpisodeID string, progress ProgressFunc) ([]danmaku.Comment, error) {
	if len(providerEpisodeID) < 4 {
		return nil, fmt.Errorf("iqiyi tvid %q too short", providerEpisodeID)
	}
	d1 := providerEpisodeID[len(providerEpisodeID)-4 : len(providerEpisodeID)-2]
	d2 := providerEpisodeID[len(providerEpisodeID)-2:]

	var comments []danmaku.Comment
	for part := 1; ; part++ {
		if progress != nil {
			p := part * 5
			if p > 95 {
				p = 95
			}
			progress(p, fmt.Sprintf("danmaku segment %d", part))
		}
		status, body, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet,
				fmt.Sprintf(iqiyiBulletURL, d1, d2, providerEpisodeID, part), nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("User-Agent", browserUserAgent)
			return req, nil
		})
		if err != nil {
			return nil, fmt.Errorf("iqiyi bullet part %d: %w", part, err)
		}
		if status == http.StatusNotFound {
			break
		}

		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("iqiyi bullet part %d: %w", part, err)
		}
		decoded, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("iqiyi bullet part %d: %w", part, err)
		}

		var bullet iqiyiBulletXML
		if err := xml.Unmarshal(decoded, &bullet); err != nil {
			return nil, fmt.Errorf("iqiyi bullet part %d: %w", part, err)
		}
		empty := true
		for _, entry := range bullet.Entries {
			for _, b := range entry.List {
				empty = false
				mode := danmaku.ModeScroll
				switch b.Position {
				case 1:
					mode = danmaku.ModeTop
				case 2:
					mode = danmaku.ModeBottom
				}
				color := danmaku.ColorWhite
				if c, err := strconv.ParseInt(strings.TrimPrefix(b.Color, "#"), 16, 32); err == nil {
					color = int(c)
				}
				comments = append(comments, danmaku.Comment{
					CID: b.ContentID,
					P:   danmaku.PackParams(b.ShowTime, mode, color, "iqiyi"),
					M:   b.Content,
					T:   b.ShowTime,
				})
			}
		}
		if empty {
			break
		}
	}
	if progress != nil {
		progress(100, "normalizing")
	}
	return danmaku.Normalize(comments, "iqiyi"), nil
}

func (s *iqiyiScraper) ExecuteAction(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	switch name {
	case "parse_url":
		var req struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		m := iqiyiURLPattern.FindStringSubmatch(req.URL)
		if m == nil {
			return nil, fmt.Errorf("unrecognized iqiyi url")
		}
		return map[string]string{"episodeId": m[1]}, nil
	default:
		return nil, UnknownAction(name)
	}
}
