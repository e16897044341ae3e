package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"sort"
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
	tencentSearchURL  = "https://pbaccess.video.qq.com/trpc.videosearch.mobile_search.MultiTerminalSearch/MbSearch?vplatform=2"
	tencentEpisodeURL = "https://pbaccess.video.qq.com/trpc.universal_backend_service.page_server_rpc.PageServer/GetPageData?video_appid=3000010&vplatform=2"
	tencentBarrageURL = "https://dm.video.qq.com/barrage/base/%s"
	tencentSegmentURL = "https://dm.video.qq.com/barrage/segment/%s/%s"

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

var tencentURLPattern = regexp.MustCompile(`v\.qq\.com/x/cover/(\w+)/(\w+)\.html`)

type tencentScraper struct {
	client *Client
}

// NewTencent builds the v.qq.com scraper.
func NewTencent(ctx context.Context, db *database.DB, useProxy bool) (Scraper, error) {
	client, err := NewClient(ctx, "tencent", db, useProxy)
	if err != nil {
		return nil, err
	}
	return &tencentScraper{client: client}, nil
}

func (s *tencentScraper) ProviderName() string { return "tencent" }
func (s *tencentScraper) Loggable() bool       { return true }
func (s *tencentScraper) Close() error         { return s.client.Close() }

func (s *tencentScraper) ConfigurableFields() map[string]string {
	return map[string]string{
		"scraper_tencent_cookie":                  "Cookie blob sent with every request",
		"scraper_tencent_episode_blacklist_regex": "Extra episode-title blacklist pattern",
		"scraper_tencent_log_responses":           "Log raw responses (true/false)",
	}
}

type tencentSearchReply struct {
	Data struct {
		NormalList struct {
			ItemList []struct {
				VideoInfo struct {
					Title      string `json:"title"`
					Year       int    `json:"year"`
					TypeName   string `json:"typeName"`
					ImgURL     string `json:"imgUrl"`
					SubjectDoc struct {
						VideoNum int `json:"videoNum"`
					} `json:"subjectDoc"`
				} `json:"videoInfo"`
				Doc struct {
					ID string `json:"id"`
				} `json:"doc"`
			} `json:"itemList"`
		} `json:"normalList"`
	} `json:"data"`
}

func (s *tencentScraper) Search(ctx context.Context, keyword string, hint *EpisodeHint) ([]models.ProviderSearchInfo, error) {
	cacheKey := "search_tencent_" + keyword
	ttl := s.client.ConfigTTL(ctx, config.KeySearchTTL, 5*time.Minute)
	raw, err := s.client.Cached(ctx, cacheKey, ttl, func(ctx context.Context) (string, error) {
		payload, _ := json.Marshal(map[string]any{
			"version":  "",
			"query":    keyword,
			"pagenum":  0,
			"pagesize": 30,
			"filterValue": "firstTabid=150",
		})
		_, body, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, tencentSearchURL, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("User-Agent", browserUserAgent)
			req.Header.Set("Referer", "https://v.qq.com/")
			if cookie := s.client.Cookie(ctx); cookie != "" {
				req.Header.Set("Cookie", cookie)
			}
			return req, nil
		})
		return string(body), err
	})
	if err != nil {
		log.Printf("[tencent] search %q failed: %v", keyword, err)
		return nil, nil
	}

	var reply tencentSearchReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		log.Printf("[tencent] search %q: bad reply: %v", keyword, err)
		return nil, nil
	}

	blacklist := s.client.UserBlacklist(ctx)
	var out []models.ProviderSearchInfo
	for _, item := range reply.Data.NormalList.ItemList {
		title := CleanTitle(item.VideoInfo.Title)
		if title == "" || item.Doc.ID == "" || IsJunkTitle(title, blacklist) {
			continue
		}
		mediaType := models.MediaTypeTVSeries
		if strings.Contains(item.VideoInfo.TypeName, "电影") {
			mediaType = models.MediaTypeMovie
		}
		info := models.ProviderSearchInfo{
			Provider:     "tencent",
			MediaID:      item.Doc.ID,
			Title:        title,
			Type:         mediaType,
			Season:       utils.SeasonFromTitle(title),
			Year:         item.VideoInfo.Year,
			ImageURL:     item.VideoInfo.ImgURL,
			EpisodeCount: item.VideoInfo.SubjectDoc.VideoNum,
		}
		if hint != nil && hint.Episode > 0 {
			info.CurrentEpisodeIndex = hint.Episode
		}
		out = append(out, info)
	}
	return out, nil
}

type tencentEpisodeReply struct {
	Data struct {
		ModuleListDatas []struct {
			ModuleDatas []struct {
				ItemDataLists struct {
					ItemDatas []struct {
						ItemParams struct {
							VID          string `json:"vid"`
							Title        string `json:"title"`
							UnionTitle   string `json:"union_title"`
							IsTrailer    string `json:"is_trailer"`
							EpisodeIndex string `json:"episode"`
						} `json:"item_params"`
					} `json:"item_datas"`
				} `json:"item_data_lists"`
			} `json:"module_datas"`
		} `json:"module_list_datas"`
	} `json:"data"`
}

func (s *tencentScraper) GetEpisodes(ctx context.Context, mediaID string, targetIndex int, dbMediaType string) ([]models.ProviderEpisodeInfo, error) {
	cacheKey := "episodes_tencent_" + mediaID
	ttl := s.client.ConfigTTL(ctx, config.KeyEpisodesTTL, 30*time.Minute)
	raw, err := s.client.Cached(ctx, cacheKey, ttl, func(ctx context.Context) (string, error) {
		payload, _ := json.Marshal(map[string]any{
			"page_params": map[string]string{
				"req_from":      "web_vsite",
				"page_id":       "vsite_episode_list",
				"page_type":     "detail_operation",
				"id_type":       "1",
				"cid":           mediaID,
				"page_size":     "100",
				"page_context":  "",
			},
		})
		_, body, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, tencentEpisodeURL, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("User-Agent", browserUserAgent)
			req.Header.Set("Referer", "https://v.qq.com/")
			if cookie := s.client.Cookie(ctx); cookie != "" {
				req.Header.Set("Cookie", cookie)
			}
			return req, nil
		})
		return string(body), err
	})
	if err != nil {
		log.Printf("[tencent] episodes %s failed: %v", mediaID, err)
		return nil, nil
	}

	var reply tencentEpisodeReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		log.Printf("[tencent] episodes %s: bad reply: %v", mediaID, err)
		return nil, nil
	}

	blacklist := s.client.UserBlacklist(ctx)
	var out []models.ProviderEpisodeInfo
	index := 0
	for _, mod := range reply.Data.ModuleListDatas {
		for _, md := range mod.ModuleDatas {
			for _, item := range md.ItemDataLists.ItemDatas {
				p := item.ItemParams
				if p.VID == "" || p.IsTrailer == "1" {
					continue
				}
				title := CleanTitle(p.UnionTitle)
				if title == "" {
					title = CleanTitle(p.Title)
				}
				if IsJunkTitle(title, blacklist) {
					continue
				}
				index++
				out = append(out, models.ProviderEpisodeInfo{
					Provider:     "tencent",
					EpisodeID:    p.VID,
					Title:        title,
					EpisodeIndex: index,
					URL:          "https://v.qq.com/x/cover/" + mediaID + "/" + p.VID + ".html",
				})
			}
		}
	}
	if targetIndex > 0 {
		out = filterEpisodeIndex(out, targetIndex)
	}
	return out, nil
}

type tencentBarrageIndex struct {
	SegmentIndex map[string]struct {
		SegmentName  string `json:"segment_name"`
		SegmentStart string `json:"segment_start"`
	} `json:"segment_index"`
}

type tencentSegmentReply struct {
	BarrageList []struct {
		ID         string `json:"id"`
		Content    string `json:"content"`
		TimeOffset string `json:"time_offset"`
		ContentStyle string `json:"content_style"`
	} `json:"barrage_list"`
}

type tencentContentStyle struct {
	Color    string `json:"color"`
	Position int    `json:"position"`
}

func (s *tencentScraper) GetComments(ctx context.Context, providerEpisodeID string, progress ProgressFunc) ([]danmaku.Comment, error) {
	_, body, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf(tencentBarrageURL, providerEpisodeID), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", browserUserAgent)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("tencent barrage index: %w", err)
	}
	var index tencentBarrageIndex
	if err := json.Unmarshal(body, &index); err != nil {
		return nil, fmt.Errorf("tencent barrage index: %w", err)
	}

	// Segment keys are start offsets; fetch in numeric order.
	keys := make([]int, 0, len(index.SegmentIndex))
	byStart := make(map[int]string, len(index.SegmentIndex))
	for k, seg := range index.SegmentIndex {
		start, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		keys = append(keys, start)
		byStart[start] = seg.SegmentName
	}
	sort.Ints(keys)

	var comments []danmaku.Comment
	for i, start := range keys {
		if progress != nil {
			progress(i*100/len(keys), fmt.Sprintf("danmaku segment %d/%d", i+1, len(keys)))
		}
		_, body, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet,
				fmt.Sprintf(tencentSegmentURL, providerEpisodeID, byStart[start]), nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("User-Agent", browserUserAgent)
			return req, nil
		})
		if err != nil {
			return nil, fmt.Errorf("tencent segment %s: %w", byStart[start], err)
		}
		var seg tencentSegmentReply
		if err := json.Unmarshal(body, &seg); err != nil {
			return nil, fmt.Errorf("tencent segment %s: %w", byStart[start], err)
		}
		for _, b := range seg.BarrageList {
			offsetMs, _ := strconv.ParseFloat(b.TimeOffset, 64)
			t := offsetMs / 1000
			mode := danmaku.ModeScroll
			color := danmaku.ColorWhite
			if b.ContentStyle != "" {
				var style tencentContentStyle
				if json.Unmarshal([]byte(b.ContentStyle), &style) == nil {
					switch style.Position {
					case 2:
						mode = danmaku.ModeTop
					case 3:
						mode = danmaku.ModeBottom
					}
					if c, err := strconv.ParseInt(style.Color, 16, 32); err == nil {
						color = int(c)
					}
				}
			}
			comments = append(comments, danmaku.Comment{
				CID: b.ID,
				P:   danmaku.PackParams(t, mode, color, "tencent"),
				M:   b.Content,
				T:   t,
			})
		}
	}
	if progress != nil {
		progress(100, "normalizing")
	}
	return danmaku.Normalize(comments, "tencent"), nil
}

func (s *tencentScraper) ExecuteAction(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	switch name {
	case "parse_url":
		var req struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		m := tencentURLPattern.FindStringSubmatch(req.URL)
		if m == nil {
			return nil, fmt.Errorf("unrecognized tencent url")
		}
		return map[string]string{"mediaId": m[1], "episodeId": m[2]}, nil
	default:
		return nil, UnknownAction(name)
	}
}

// filterEpisodeIndex keeps only the episode with the wanted index, used
// for single-episode refreshes.
func filterEpisodeIndex(eps []models.ProviderEpisodeInfo, index int) []models.ProviderEpisodeInfo {
	for _, ep := range eps {
		if ep.EpisodeIndex == index {
			return []models.ProviderEpisodeInfo{ep}
		}
	}
	return nil
}

