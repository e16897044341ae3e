package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
)

const bangumiAPIBase = "https://api.bgm.tv"

// BangumiClient talks to api.bgm.tv. Anonymous access works for search
// and subject details; a stored OAuth grant raises rate limits and
// unlocks NSFW-filtered entries.
type BangumiClient struct {
	db    *database.DB
	httpc *http.Client

	throttleMu  sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

// NewBangumiClient builds the client.
func NewBangumiClient(db *database.DB) *BangumiClient {
	return &BangumiClient{
		db:          db,
		httpc:       &http.Client{Timeout: 15 * time.Second},
		minInterval: 200 * time.Millisecond,
	}
}

func (c *BangumiClient) ProviderName() string { return "bangumi" }

// SetHTTPClient swaps the underlying HTTP client, for tests.
func (c *BangumiClient) SetHTTPClient(httpc *http.Client) { c.httpc = httpc }

func (c *BangumiClient) doGET(ctx context.Context, path string, query url.Values, v any) error {
	c.throttleMu.Lock()
	if since := time.Since(c.lastRequest); since < c.minInterval {
		time.Sleep(c.minInterval - since)
	}
	c.lastRequest = time.Now()
	c.throttleMu.Unlock()

	u := bangumiAPIBase + path
	if query != nil {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "l429609201/danmu-api-server")
	if auth, err := c.db.GetBangumiAuth(ctx, 1); err == nil && auth.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+auth.AccessToken)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bangumi request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

type bangumiSubject struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	NameCN  string `json:"name_cn"`
	Date    string `json:"date"`
	Images  struct {
		Large string `json:"large"`
	} `json:"images"`
	Infobox []struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	} `json:"infobox"`
}

func (c *BangumiClient) Search(ctx context.Context, keyword string) ([]models.MetadataDetails, error) {
	q := url.Values{}
	q.Set("type", "2") // anime subjects
	q.Set("responseGroup", "small")
	q.Set("max_results", "10")
	var reply struct {
		List []bangumiSubject `json:"list"`
	}
	if err := c.doGET(ctx, "/search/subject/"+url.PathEscape(keyword), q, &reply); err != nil {
		return nil, err
	}

	var out []models.MetadataDetails
	for _, s := range reply.List {
		if s.ID == 0 {
			continue
		}
		out = append(out, c.toDetails(&s))
	}
	return out, nil
}

func (c *BangumiClient) toDetails(s *bangumiSubject) models.MetadataDetails {
	d := models.MetadataDetails{
		Provider:  "bangumi",
		ID:        strconv.FormatInt(s.ID, 10),
		BangumiID: strconv.FormatInt(s.ID, 10),
		Title:     s.NameCN,
		NameJP:    s.Name,
		ImageURL:  s.Images.Large,
	}
	if d.Title == "" {
		d.Title = s.Name
	}
	if len(s.Date) >= 4 {
		d.Year, _ = strconv.Atoi(s.Date[:4])
	}
	for _, entry := range s.Infobox {
		if entry.Key != "别名" {
			continue
		}
		// The infobox value is either a plain string or a {v: ...} list.
		var plain string
		if json.Unmarshal(entry.Value, &plain) == nil {
			d.AliasesCN = append(d.AliasesCN, plain)
			continue
		}
		var list []struct {
			V string `json:"v"`
		}
		if json.Unmarshal(entry.Value, &list) == nil {
			for _, item := range list {
				d.AliasesCN = append(d.AliasesCN, item.V)
			}
		}
	}
	return d
}

func (c *BangumiClient) Details(ctx context.Context, id string) (*models.MetadataDetails, error) {
	var s bangumiSubject
	if err := c.doGET(ctx, "/v0/subjects/"+id, nil, &s); err != nil {
		return nil, err
	}
	d := c.toDetails(&s)
	return &d, nil
}

func (c *BangumiClient) CheckConnectivity(ctx context.Context) error {
	var v json.RawMessage
	return c.doGET(ctx, "/v0/subjects/1", nil, &v)
}
