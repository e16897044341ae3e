package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/l429609201/danmu-api-server/config"
	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
)

const doubanAPIBase = "https://movie.douban.com"

// DoubanClient scrapes movie.douban.com's suggest API. A user cookie is
// required; without one every call reports ErrNotConfigured.
type DoubanClient struct {
	db    *database.DB
	httpc *http.Client

	throttleMu  sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

// NewDoubanClient builds the client.
func NewDoubanClient(db *database.DB) *DoubanClient {
	return &DoubanClient{
		db:          db,
		httpc:       &http.Client{Timeout: 15 * time.Second},
		minInterval: 1 * time.Second,
	}
}

func (c *DoubanClient) ProviderName() string { return "douban" }

// SetHTTPClient swaps the underlying HTTP client, for tests.
func (c *DoubanClient) SetHTTPClient(httpc *http.Client) { c.httpc = httpc }

func (c *DoubanClient) cookie(ctx context.Context) string {
	v, _ := c.db.GetConfigValue(ctx, config.KeyDoubanCookie, "")
	return v
}

func (c *DoubanClient) doGET(ctx context.Context, rawURL string, v any) error {
	cookie := c.cookie(ctx)
	if cookie == "" {
		return ErrNotConfigured
	}

	c.throttleMu.Lock()
	if since := time.Since(c.lastRequest); since < c.minInterval {
		time.Sleep(c.minInterval - since)
	}
	c.lastRequest = time.Now()
	c.throttleMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	req.Header.Set("Referer", "https://movie.douban.com/")
	req.Header.Set("Cookie", cookie)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("douban request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

type doubanSuggestEntry struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	SubTitle string `json:"sub_title"`
	Img      string `json:"img"`
	Year     string `json:"year"`
	Type     string `json:"type"`
}

func (c *DoubanClient) Search(ctx context.Context, keyword string) ([]models.MetadataDetails, error) {
	q := url.Values{}
	q.Set("q", keyword)
	var entries []doubanSuggestEntry
	if err := c.doGET(ctx, doubanAPIBase+"/j/subject_suggest?"+q.Encode(), &entries); err != nil {
		return nil, err
	}

	var out []models.MetadataDetails
	for _, e := range entries {
		if e.ID == "" || (e.Type != "movie" && e.Type != "tv") {
			continue
		}
		d := models.MetadataDetails{
			Provider: "douban",
			ID:       e.ID,
			DoubanID: e.ID,
			Title:    e.Title,
			ImageURL: e.Img,
		}
		if e.Type == "movie" {
			d.Type = models.MediaTypeMovie
		} else {
			d.Type = models.MediaTypeTVSeries
		}
		if len(e.Year) == 4 {
			fmt.Sscanf(e.Year, "%d", &d.Year)
		}
		// sub_title carries the original-language name.
		if sub := strings.TrimSpace(e.SubTitle); sub != "" && sub != e.Title {
			d.AliasesCN = append(d.AliasesCN, sub)
		}
		out = append(out, d)
	}
	return out, nil
}

// Details resolves one douban subject via the suggest API: the site has
// no stable anonymous detail endpoint, so search results are the source
// of truth.
func (c *DoubanClient) Details(ctx context.Context, id string) (*models.MetadataDetails, error) {
	q := url.Values{}
	q.Set("q", id)
	var entries []doubanSuggestEntry
	if err := c.doGET(ctx, doubanAPIBase+"/j/subject_suggest?"+q.Encode(), &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID == id {
			results, err := c.Search(ctx, e.Title)
			if err != nil {
				return nil, err
			}
			for _, r := range results {
				if r.ID == id {
					return &r, nil
				}
			}
		}
	}
	return nil, database.ErrNotFound
}

func (c *DoubanClient) CheckConnectivity(ctx context.Context) error {
	var v json.RawMessage
	return c.doGET(ctx, doubanAPIBase+"/j/subject_suggest?q=test", &v)
}
