// Package scraper defines the provider contract and the shared
// rate-limited HTTP client the site scrapers are built on.
package scraper

import (
	"context"
	"encoding/json"
	"html"
	"regexp"
	"strings"

	xhtml "golang.org/x/net/html"

	"github.com/l429609201/danmu-api-server/internal/danmaku"
	"github.com/l429609201/danmu-api-server/models"
)

// EpisodeHint narrows a provider search to a season/episode the caller
// already parsed out of the keyword.
type EpisodeHint struct {
	Season  int
	Episode int
}

// ProgressFunc reports comment-fetch progress. Implementations must
// tolerate being called from the scraper's goroutine at any rate.
type ProgressFunc func(progress int, description string)

// Scraper is one upstream danmaku site. Implementations are stateless
// apart from their Client; Search and GetEpisodes swallow transport
// errors (logging them and returning empty results) so one broken site
// cannot fail a fan-out, while GetComments surfaces errors because a
// partial comment fetch must not be persisted as complete.
type Scraper interface {
	ProviderName() string
	// ConfigurableFields maps config keys the provider honors to their
	// human-readable descriptions, for the settings UI.
	ConfigurableFields() map[string]string
	// Loggable reports whether raw response logging can be enabled.
	Loggable() bool
	Search(ctx context.Context, keyword string, hint *EpisodeHint) ([]models.ProviderSearchInfo, error)
	GetEpisodes(ctx context.Context, mediaID string, targetIndex int, dbMediaType string) ([]models.ProviderEpisodeInfo, error)
	GetComments(ctx context.Context, providerEpisodeID string, progress ProgressFunc) ([]danmaku.Comment, error)
	// ExecuteAction runs a provider-specific verb such as "parse_url".
	ExecuteAction(ctx context.Context, name string, payload json.RawMessage) (any, error)
	Close() error
}

// ErrUnknownAction is returned by ExecuteAction for verbs a provider
// does not implement.
type unknownActionError struct{ name string }

func (e *unknownActionError) Error() string { return "unknown action: " + e.name }

// UnknownAction builds the canonical error for an unsupported verb.
func UnknownAction(name string) error { return &unknownActionError{name: name} }

// defaultBlacklist drops non-episode entries every provider emits:
// trailers, behind-the-scenes cuts, recaps and similar filler.
var defaultBlacklist = regexp.MustCompile(`(?i)(预告|彩蛋|专访|幕后|花絮|特辑|特典|纯享|加更|解读|解说|吐槽|盘点|直拍|直播回顾|片花|精华|看点|速看|回顾|混剪|剪辑|reaction|预告片|NG|OST|MV|CM|PV)`)

// IsJunkTitle reports whether an episode title matches the built-in
// blacklist or the user's per-provider pattern. The same check runs at
// search filtering and at episode listing.
func IsJunkTitle(title string, userPattern *regexp.Regexp) bool {
	if defaultBlacklist.MatchString(title) {
		return true
	}
	return userPattern != nil && userPattern.MatchString(title)
}

// CleanTitle strips HTML tags and entities from a provider title and
// folds ASCII colons to full width, the storage-side convention.
func CleanTitle(s string) string {
	s = StripHTML(s)
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, ":", "：")
	return strings.TrimSpace(s)
}

// StripHTML removes markup, keeping text content. Providers highlight
// the matched keyword with <em> tags in search replies.
func StripHTML(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	node, err := xhtml.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}
	var b strings.Builder
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return b.String()
}
