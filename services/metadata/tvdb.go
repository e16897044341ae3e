package metadata

import (
	"bytes"
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

const tvdbAPIBase = "https://api4.thetvdb.com/v4"

// TVDBClient talks to the TheTVDB v4 API. Login exchanges the API key
// for a bearer token which is cached until a request comes back 401.
type TVDBClient struct {
	db    *database.DB
	httpc *http.Client

	mu    sync.Mutex
	token string
}

// NewTVDBClient builds the client.
func NewTVDBClient(db *database.DB) *TVDBClient {
	return &TVDBClient{
		db:    db,
		httpc: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *TVDBClient) ProviderName() string { return "tvdb" }

// SetHTTPClient swaps the underlying HTTP client, for tests.
func (c *TVDBClient) SetHTTPClient(httpc *http.Client) { c.httpc = httpc }

func (c *TVDBClient) login(ctx context.Context) (string, error) {
	apiKey, _ := c.db.GetConfigValue(ctx, config.KeyTVDBAPIKey, "")
	if apiKey == "" {
		return "", ErrNotConfigured
	}
	payload, _ := json.Marshal(map[string]string{"apikey": apiKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tvdbAPIBase+"/login",
		bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("tvdb login failed: %s", resp.Status)
	}
	var reply struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", err
	}
	return reply.Data.Token, nil
}

func (c *TVDBClient) doGET(ctx context.Context, path string, v any) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if token == "" {
			t, err := c.login(ctx)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.token = t
			c.mu.Unlock()
			token = t
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, tvdbAPIBase+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			token = ""
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("tvdb request failed: %s", resp.Status)
		}
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return fmt.Errorf("tvdb auth expired and re-login failed")
}

type tvdbSearchEntry struct {
	TVDBID     string   `json:"tvdb_id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Year       string   `json:"year"`
	ImageURL   string   `json:"image_url"`
	Aliases    []string `json:"aliases"`
	Translations map[string]string `json:"translations"`
}

func (c *TVDBClient) Search(ctx context.Context, keyword string) ([]models.MetadataDetails, error) {
	q := url.Values{}
	q.Set("query", keyword)
	q.Set("limit", "10")
	var reply struct {
		Data []tvdbSearchEntry `json:"data"`
	}
	if err := c.doGET(ctx, "/search?"+q.Encode(), &reply); err != nil {
		return nil, err
	}

	var out []models.MetadataDetails
	for _, e := range reply.Data {
		if e.TVDBID == "" {
			continue
		}
		d := models.MetadataDetails{
			Provider: "tvdb",
			ID:       e.TVDBID,
			TVDBID:   e.TVDBID,
			Title:    e.Name,
			NameEN:   e.Name,
			ImageURL: e.ImageURL,
		}
		if strings.EqualFold(e.Type, "movie") {
			d.Type = models.MediaTypeMovie
		} else {
			d.Type = models.MediaTypeTVSeries
		}
		if len(e.Year) == 4 {
			fmt.Sscanf(e.Year, "%d", &d.Year)
		}
		if zh, ok := e.Translations["zho"]; ok && zh != "" {
			d.Title = zh
			d.AliasesCN = append(d.AliasesCN, zh)
		}
		if jp, ok := e.Translations["jpn"]; ok {
			d.NameJP = jp
		}
		for _, alias := range e.Aliases {
			d.AliasesCN = append(d.AliasesCN, alias)
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *TVDBClient) Details(ctx context.Context, id string) (*models.MetadataDetails, error) {
	var reply struct {
		Data struct {
			ID      int64  `json:"id"`
			Name    string `json:"name"`
			Image   string `json:"image"`
			Year    string `json:"year"`
			Aliases []struct {
				Language string `json:"language"`
				Name     string `json:"name"`
			} `json:"aliases"`
		} `json:"data"`
	}
	if err := c.doGET(ctx, "/series/"+id+"/extended", &reply); err != nil {
		return nil, err
	}
	d := &models.MetadataDetails{
		Provider: "tvdb",
		ID:       id,
		TVDBID:   id,
		Title:    reply.Data.Name,
		NameEN:   reply.Data.Name,
		Type:     models.MediaTypeTVSeries,
		ImageURL: reply.Data.Image,
	}
	if len(reply.Data.Year) == 4 {
		fmt.Sscanf(reply.Data.Year, "%d", &d.Year)
	}
	for _, alias := range reply.Data.Aliases {
		switch alias.Language {
		case "zho", "zhtw":
			d.AliasesCN = append(d.AliasesCN, alias.Name)
		case "jpn":
			if d.NameJP == "" {
				d.NameJP = alias.Name
			}
		}
	}
	return d, nil
}

func (c *TVDBClient) CheckConnectivity(ctx context.Context) error {
	_, err := c.login(ctx)
	return err
}
