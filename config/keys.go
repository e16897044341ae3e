package config

// Runtime config keys stored in the database config table. Scraper and
// metadata clients read these on demand so UI edits apply without a
// restart.
const (
	KeySearchTTL         = "search_ttl_seconds"
	KeyEpisodesTTL       = "episodes_ttl_seconds"
	KeyBaseInfoTTL       = "base_info_ttl_seconds"
	KeyMetadataSearchTTL = "metadata_search_ttl_seconds"

	KeyWebhookAPIKey = "webhook_api_key"

	KeyProxyURL     = "proxy_url"
	KeyProxyEnabled = "proxy_enabled"

	KeyTMDBAPIKey       = "tmdb_api_key"
	KeyTMDBAPIBaseURL   = "tmdb_api_base_url"
	KeyTMDBImageBaseURL = "tmdb_image_base_url"

	KeyBangumiClientID     = "bangumi_client_id"
	KeyBangumiClientSecret = "bangumi_client_secret"
	KeyDoubanCookie        = "douban_cookie"
	KeyTVDBAPIKey          = "tvdb_api_key"
)

// RuntimeDefaults seeds the config table on first start. Existing rows
// are never overwritten.
func RuntimeDefaults() map[string]string {
	return map[string]string{
		KeySearchTTL:         "300",
		KeyEpisodesTTL:       "1800",
		KeyBaseInfoTTL:       "1800",
		KeyMetadataSearchTTL: "1800",
		KeyWebhookAPIKey:     "",
		KeyProxyURL:          "",
		KeyProxyEnabled:      "false",
		KeyTMDBAPIKey:        "",
		KeyTMDBAPIBaseURL:    "https://api.themoviedb.org/3",
		KeyTMDBImageBaseURL:  "https://image.tmdb.org/t/p/w500",
		KeyBangumiClientID:   "",
		KeyBangumiClientSecret: "",
		KeyDoubanCookie:      "",
		KeyTVDBAPIKey:        "",
	}
}
