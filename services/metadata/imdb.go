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

	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
)

const imdbSuggestBase = "https://v2.sg.media-imdb.com/suggestion"

// IMDBClient uses IMDb's public suggestion API. No credentials needed,
// but the results are English-only, so it contributes name_en aliases.
type IMDBClient struct {
	db    *database.DB
	httpc *http.Client

	throttleMu  sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

// NewIMDBClient builds the client.
func NewIMDBClient(db *database.DB) *IMDBClient {
	return &IMDBClient{
		db:          db,
		httpc:       &http.Client{Timeout: 15 * time.Second},
		minInterval: 500 * time.Millisecond,
	}
}

func (c *IMDBClient) ProviderName() string { return "imdb" }

// SetHTTPClient swaps the underlying HTTP client, for tests.
func (c *IMDBClient) SetHTTPClient(httpc *http.Client) { c.httpc = httpc }

type imdbSuggestReply struct {
	Data []struct {
		ID    string `json:"id"`
		Title string `json:"l"`
		Kind  string `json:"q"`
		Year  int    `json:"y"`
		Image struct {
			URL string `json:"imageUrl"`
		} `json:"i"`
	} `json:"d"`
}

func (c *IMDBClient) suggest(ctx context.Context, keyword string) (*imdbSuggestReply, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return &imdbSuggestReply{}, nil
	}

	c.throttleMu.Lock()
	if since := time.Since(c.lastRequest); since < c.minInterval {
		time.Sleep(c.minInterval - since)
	}
	c.lastRequest = time.Now()
	c.throttleMu.Unlock()

	first := strings.ToLower(keyword[:1])
	u := fmt.Sprintf("%s/%s/%s.json", imdbSuggestBase, first, url.PathEscape(keyword))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("imdb request failed: %s", resp.Status)
	}
	var reply imdbSuggestReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *IMDBClient) Search(ctx context.Context, keyword string) ([]models.MetadataDetails, error) {
	reply, err := c.suggest(ctx, keyword)
	if err != nil {
		return nil, err
	}
	var out []models.MetadataDetails
	for _, e := range reply.Data {
		if !strings.HasPrefix(e.ID, "tt") {
			continue
		}
		d := models.MetadataDetails{
			Provider: "imdb",
			ID:       e.ID,
			IMDBID:   e.ID,
			Title:    e.Title,
			NameEN:   e.Title,
			Year:     e.Year,
			ImageURL: e.Image.URL,
		}
		if strings.Contains(strings.ToLower(e.Kind), "movie") {
			d.Type = models.MediaTypeMovie
		} else {
			d.Type = models.MediaTypeTVSeries
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *IMDBClient) Details(ctx context.Context, id string) (*models.MetadataDetails, error) {
	reply, err := c.suggest(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, e := range reply.Data {
		if e.ID == id {
			d := models.MetadataDetails{
				Provider: "imdb",
				ID:       e.ID,
				IMDBID:   e.ID,
				Title:    e.Title,
				NameEN:   e.Title,
				Year:     e.Year,
				ImageURL: e.Image.URL,
			}
			return &d, nil
		}
	}
	return nil, database.ErrNotFound
}

func (c *IMDBClient) CheckConnectivity(ctx context.Context) error {
	_, err := c.suggest(ctx, "test")
	return err
}
