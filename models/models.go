package models

import "time"

// MediaType values used throughout the library and provider layer.
const (
	MediaTypeTVSeries = "tv_series"
	MediaTypeMovie    = "movie"
	MediaTypeOVA      = "ova"
	MediaTypeOther    = "other"
)

// ProviderSearchInfo is a single search result from an upstream video site.
type ProviderSearchInfo struct {
	Provider            string `json:"provider"`
	MediaID             string `json:"mediaId"`
	Title               string `json:"title"`
	Type                string `json:"type"` // tv_series | movie
	Season              int    `json:"season"`
	Year                int    `json:"year,omitempty"`
	ImageURL            string `json:"imageUrl,omitempty"`
	EpisodeCount        int    `json:"episodeCount,omitempty"`
	CurrentEpisodeIndex int    `json:"currentEpisodeIndex,omitempty"`
}

// ProviderEpisodeInfo is a single episode as listed by an upstream site.
// EpisodeID is the provider's opaque id; the database assigns the
// deterministic local id at import time.
type ProviderEpisodeInfo struct {
	Provider     string `json:"provider"`
	EpisodeID    string `json:"episodeId"`
	Title        string `json:"title"`
	EpisodeIndex int    `json:"episodeIndex"`
	URL          string `json:"url,omitempty"`
}

// Anime is a work in the local library.
type Anime struct {
	ID             int64
	Title          string
	Type           string
	Season         int
	ImageURL       string
	LocalImagePath string
	EpisodeCount   int
	CreatedAt      time.Time
}

// AnimeDetails is the full editable view of a work, including its
// metadata row and alias row.
type AnimeDetails struct {
	AnimeID            int64  `json:"animeId"`
	Title              string `json:"title"`
	Type               string `json:"type"`
	Season             int    `json:"season"`
	EpisodeCount       int    `json:"episodeCount,omitempty"`
	ImageURL           string `json:"imageUrl,omitempty"`
	TMDBID             string `json:"tmdbId,omitempty"`
	TMDBEpisodeGroupID string `json:"tmdbEpisodeGroupId,omitempty"`
	BangumiID          string `json:"bangumiId,omitempty"`
	TVDBID             string `json:"tvdbId,omitempty"`
	DoubanID           string `json:"doubanId,omitempty"`
	IMDBID             string `json:"imdbId,omitempty"`
	NameEN             string `json:"nameEn,omitempty"`
	NameJP             string `json:"nameJp,omitempty"`
	NameRomaji         string `json:"nameRomaji,omitempty"`
	AliasCN1           string `json:"aliasCn1,omitempty"`
	AliasCN2           string `json:"aliasCn2,omitempty"`
	AliasCN3           string `json:"aliasCn3,omitempty"`
}

// LibraryAnime is one row of the library listing.
type LibraryAnime struct {
	AnimeID      int64     `json:"animeId"`
	Title        string    `json:"title"`
	Type         string    `json:"type"`
	Season       int       `json:"season"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	EpisodeCount int       `json:"episodeCount"`
	SourceCount  int       `json:"sourceCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Source binds a work to one upstream provider's media id.
type Source struct {
	ID                        int64     `json:"sourceId"`
	AnimeID                   int64     `json:"animeId"`
	ProviderName              string    `json:"providerName"`
	MediaID                   string    `json:"mediaId"`
	IsFavorited               bool      `json:"isFavorited"`
	IncrementalRefreshEnabled bool      `json:"incrementalRefreshEnabled"`
	IncrementalRefreshFailures int      `json:"incrementalRefreshFailures"`
	CreatedAt                 time.Time `json:"createdAt"`
}

// SourceInfo is the denormalized view the refresh pipelines need.
type SourceInfo struct {
	SourceID     int64
	AnimeID      int64
	ProviderName string
	MediaID      string
	Title        string
	Type         string
	Season       int
	TMDBID       string
	BangumiID    string
}

// Episode is one playable unit under a source.
type Episode struct {
	ID                int64      `json:"episodeId"`
	SourceID          int64      `json:"sourceId"`
	EpisodeIndex      int        `json:"episodeIndex"`
	Title             string     `json:"title"`
	ProviderEpisodeID string     `json:"providerEpisodeId"`
	SourceURL         string     `json:"sourceUrl,omitempty"`
	FetchedAt         *time.Time `json:"fetchedAt,omitempty"`
	CommentCount      int        `json:"commentCount"`
}

// ScraperSetting is one row of the scrapers table.
type ScraperSetting struct {
	ProviderName string `json:"providerName"`
	IsEnabled    bool   `json:"isEnabled"`
	DisplayOrder int    `json:"displayOrder"`
	UseProxy     bool   `json:"useProxy"`
}

// MetadataSourceSetting is one row of the metadata_sources table.
type MetadataSourceSetting struct {
	ProviderName       string `json:"providerName"`
	IsEnabled          bool   `json:"isEnabled"`
	IsAuxSearchEnabled bool   `json:"isAuxSearchEnabled"`
	DisplayOrder       int    `json:"displayOrder"`
	UseProxy           bool   `json:"useProxy"`
}

// MetadataDetails is the provider-neutral detail payload a metadata
// source returns for one work.
type MetadataDetails struct {
	Provider  string   `json:"provider"`
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Type      string   `json:"type,omitempty"`
	ImageURL  string   `json:"imageUrl,omitempty"`
	NameEN    string   `json:"nameEn,omitempty"`
	NameJP    string   `json:"nameJp,omitempty"`
	NameRomaji string  `json:"nameRomaji,omitempty"`
	AliasesCN []string `json:"aliasesCn,omitempty"`
	Year      int      `json:"year,omitempty"`
	TMDBID    string   `json:"tmdbId,omitempty"`
	IMDBID    string   `json:"imdbId,omitempty"`
	TVDBID    string   `json:"tvdbId,omitempty"`
	DoubanID  string   `json:"doubanId,omitempty"`
	BangumiID string   `json:"bangumiId,omitempty"`
}

// TaskInfo is one row of task_history as exposed by the task API.
type TaskInfo struct {
	TaskID      string     `json:"taskId"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"createdAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// ScheduledTask is one cron-driven job registration.
type ScheduledTask struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	JobType        string     `json:"jobType"`
	CronExpression string     `json:"cronExpression"`
	IsEnabled      bool       `json:"isEnabled"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time `json:"nextRunAt,omitempty"`
}

// APIToken is a compat-API access token.
type APIToken struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Token     string     `json:"token"`
	IsEnabled bool       `json:"isEnabled"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// TokenAccessLog records one use of a compat-API token.
type TokenAccessLog struct {
	AccessTime time.Time `json:"accessTime"`
	IPAddress  string    `json:"ipAddress"`
	Status     string    `json:"status"`
	Path       string    `json:"path,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
}

// UARule is one User-Agent denylist entry.
type UARule struct {
	ID        int64     `json:"id"`
	UAString  string    `json:"uaString"`
	CreatedAt time.Time `json:"createdAt"`
}

// TMDBEpisodeMapping maps one TMDB episode-group entry to custom
// season/episode numbering.
type TMDBEpisodeMapping struct {
	TMDBTVID              int64
	TMDBEpisodeGroupID    string
	TMDBEpisodeID         int64
	TMDBSeasonNumber      int
	TMDBEpisodeNumber     int
	CustomSeasonNumber    int
	CustomEpisodeNumber   int
	AbsoluteEpisodeNumber int
}

// ImportRequest is the submission payload for a full import task.
type ImportRequest struct {
	Provider            string `json:"provider"`
	MediaID             string `json:"mediaId"`
	AnimeTitle          string `json:"animeTitle"`
	Type                string `json:"type"`
	Season              int    `json:"season"`
	CurrentEpisodeIndex int    `json:"currentEpisodeIndex,omitempty"`
	ImageURL            string `json:"imageUrl,omitempty"`
	TMDBID              string `json:"tmdbId,omitempty"`
	IMDBID              string `json:"imdbId,omitempty"`
	TVDBID              string `json:"tvdbId,omitempty"`
	DoubanID            string `json:"doubanId,omitempty"`
	BangumiID           string `json:"bangumiId,omitempty"`
}

// MatchResult is one dandanplay-compatible match row.
type MatchResult struct {
	AnimeID      int64   `json:"animeId"`
	AnimeTitle   string  `json:"animeTitle"`
	EpisodeID    int64   `json:"episodeId"`
	EpisodeTitle string  `json:"episodeTitle"`
	Type         string  `json:"type"`
	Shift        float64 `json:"shift"`
}
