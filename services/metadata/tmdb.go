package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/l429609201/danmu-api-server/config"
	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
)

// TMDBEpisodeGroup is one episode group attached to a TV show.
type TMDBEpisodeGroup struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         int    `json:"type"`
	GroupCount   int    `json:"group_count"`
	EpisodeCount int    `json:"episode_count"`
}

// TMDBEpisodeGroupDetail is the ordered contents of one episode group.
type TMDBEpisodeGroupDetail struct {
	ID     string `json:"id"`
	Groups []struct {
		Name     string `json:"name"`
		Order    int    `json:"order"`
		Episodes []struct {
			ID            int64 `json:"id"`
			SeasonNumber  int   `json:"season_number"`
			EpisodeNumber int   `json:"episode_number"`
			Order         int   `json:"order"`
		} `json:"episodes"`
	} `json:"groups"`
}

// TMDBClient talks to api.themoviedb.org. The api key and base URLs live
// in the runtime config so UI edits apply without a restart.
type TMDBClient struct {
	db    *database.DB
	httpc *http.Client

	throttleMu  sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

// NewTMDBClient builds the client.
func NewTMDBClient(db *database.DB) *TMDBClient {
	return &TMDBClient{
		db:          db,
		httpc:       &http.Client{Timeout: 15 * time.Second},
		minInterval: 20 * time.Millisecond,
	}
}

func (c *TMDBClient) ProviderName() string { return "tmdb" }

// SetHTTPClient swaps the underlying HTTP client, for tests.
func (c *TMDBClient) SetHTTPClient(httpc *http.Client) { c.httpc = httpc }

func (c *TMDBClient) apiKey(ctx context.Context) string {
	key, _ := c.db.GetConfigValue(ctx, config.KeyTMDBAPIKey, "")
	return key
}

func (c *TMDBClient) baseURL(ctx context.Context) string {
	base, _ := c.db.GetConfigValue(ctx, config.KeyTMDBAPIBaseURL, "https://api.themoviedb.org/3")
	return base
}

func (c *TMDBClient) imageBase(ctx context.Context) string {
	base, _ := c.db.GetConfigValue(ctx, config.KeyTMDBImageBaseURL, "https://image.tmdb.org/t/p/w500")
	return base
}

func (c *TMDBClient) doGET(ctx context.Context, path string, query url.Values, v any) error {
	key := c.apiKey(ctx)
	if key == "" {
		return ErrNotConfigured
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", key)
	query.Set("language", "zh-CN")

	c.throttleMu.Lock()
	if since := time.Since(c.lastRequest); since < c.minInterval {
		time.Sleep(c.minInterval - since)
	}
	c.lastRequest = time.Now()
	c.throttleMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL(ctx)+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("tmdb request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

type tmdbSearchReply struct {
	Results []struct {
		ID           int64  `json:"id"`
		Name         string `json:"name"`
		Title        string `json:"title"`
		OriginalName string `json:"original_name"`
		OriginalTitle string `json:"original_title"`
		PosterPath   string `json:"poster_path"`
		FirstAirDate string `json:"first_air_date"`
		ReleaseDate  string `json:"release_date"`
	} `json:"results"`
}

// Search queries both the TV and movie indexes.
func (c *TMDBClient) Search(ctx context.Context, keyword string) ([]models.MetadataDetails, error) {
	var out []models.MetadataDetails
	for _, kind := range []string{"tv", "movie"} {
		q := url.Values{}
		q.Set("query", keyword)
		var reply tmdbSearchReply
		if err := c.doGET(ctx, "/search/"+kind, q, &reply); err != nil {
			return nil, err
		}
		for _, r := range reply.Results {
			title := r.Name
			date := r.FirstAirDate
			mediaType := models.MediaTypeTVSeries
			if kind == "movie" {
				title = r.Title
				date = r.ReleaseDate
				mediaType = models.MediaTypeMovie
			}
			if title == "" {
				continue
			}
			year := 0
			if len(date) >= 4 {
				year, _ = strconv.Atoi(date[:4])
			}
			original := r.OriginalName
			if original == "" {
				original = r.OriginalTitle
			}
			d := models.MetadataDetails{
				Provider: "tmdb",
				ID:       strconv.FormatInt(r.ID, 10),
				Title:    title,
				Type:     mediaType,
				Year:     year,
				TMDBID:   strconv.FormatInt(r.ID, 10),
			}
			if original != "" && original != title {
				d.AliasesCN = append(d.AliasesCN, original)
			}
			if r.PosterPath != "" {
				d.ImageURL = c.imageBase(ctx) + r.PosterPath
			}
			out = append(out, d)
		}
	}
	return out, nil
}

type tmdbDetailsReply struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Title            string `json:"title"`
	OriginalName     string `json:"original_name"`
	OriginalLanguage string `json:"original_language"`
	PosterPath       string `json:"poster_path"`
	FirstAirDate     string `json:"first_air_date"`
	AlternativeTitles struct {
		Results []tmdbAltTitle `json:"results"`
		Titles  []tmdbAltTitle `json:"titles"`
	} `json:"alternative_titles"`
	ExternalIDs struct {
		IMDBID string `json:"imdb_id"`
		TVDBID int64  `json:"tvdb_id"`
	} `json:"external_ids"`
}

type tmdbAltTitle struct {
	ISO   string `json:"iso_3166_1"`
	Title string `json:"title"`
}

// Details fetches a TV record with alternative titles and external ids;
// when the id is unknown on the TV side the movie endpoint is tried.
func (c *TMDBClient) Details(ctx context.Context, id string) (*models.MetadataDetails, error) {
	q := url.Values{}
	q.Set("append_to_response", "alternative_titles,external_ids")

	var reply tmdbDetailsReply
	mediaType := models.MediaTypeTVSeries
	if err := c.doGET(ctx, "/tv/"+id, q, &reply); err != nil {
		if err == ErrNotConfigured {
			return nil, err
		}
		mediaType = models.MediaTypeMovie
		if err := c.doGET(ctx, "/movie/"+id, q, &reply); err != nil {
			return nil, err
		}
	}

	title := reply.Name
	if title == "" {
		title = reply.Title
	}
	d := &models.MetadataDetails{
		Provider: "tmdb",
		ID:       id,
		Title:    title,
		Type:     mediaType,
		TMDBID:   id,
		IMDBID:   reply.ExternalIDs.IMDBID,
	}
	if reply.ExternalIDs.TVDBID != 0 {
		d.TVDBID = strconv.FormatInt(reply.ExternalIDs.TVDBID, 10)
	}
	if reply.PosterPath != "" {
		d.ImageURL = c.imageBase(ctx) + reply.PosterPath
	}
	switch reply.OriginalLanguage {
	case "ja":
		d.NameJP = reply.OriginalName
	case "en":
		d.NameEN = reply.OriginalName
	}
	alts := reply.AlternativeTitles.Results
	if len(alts) == 0 {
		alts = reply.AlternativeTitles.Titles
	}
	for _, alt := range alts {
		switch alt.ISO {
		case "CN", "HK", "TW":
			d.AliasesCN = append(d.AliasesCN, alt.Title)
		case "US", "GB":
			if d.NameEN == "" {
				d.NameEN = alt.Title
			}
		case "JP":
			if d.NameJP == "" {
				d.NameJP = alt.Title
			}
		}
	}
	return d, nil
}

// EpisodeGroups lists a show's episode groups.
func (c *TMDBClient) EpisodeGroups(ctx context.Context, tvID int64) ([]TMDBEpisodeGroup, error) {
	var reply struct {
		Results []TMDBEpisodeGroup `json:"results"`
	}
	if err := c.doGET(ctx, "/tv/"+strconv.FormatInt(tvID, 10)+"/episode_groups", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Results, nil
}

// EpisodeGroupDetail fetches the ordered contents of one group.
func (c *TMDBClient) EpisodeGroupDetail(ctx context.Context, groupID string) (*TMDBEpisodeGroupDetail, error) {
	var reply TMDBEpisodeGroupDetail
	if err := c.doGET(ctx, "/tv/episode_group/"+groupID, nil, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *TMDBClient) CheckConnectivity(ctx context.Context) error {
	var reply struct {
		Images json.RawMessage `json:"images"`
	}
	return c.doGET(ctx, "/configuration", nil, &reply)
}
