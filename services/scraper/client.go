package scraper

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	xproxy "golang.org/x/net/proxy"

	"github.com/l429609201/danmu-api-server/config"
	"github.com/l429609201/danmu-api-server/internal/database"
)

const defaultMinInterval = 450 * time.Millisecond

// SessionHooks let a scraper with a site login replay a request once
// after refreshing its session. Expired inspects a response; Refresh
// re-establishes the session (new cookie, new token).
type SessionHooks struct {
	Expired func(status int, body []byte) bool
	Refresh func(ctx context.Context) error
}

// Client is the shared per-provider HTTP client: one request at a time,
// spaced by minInterval, with transient-error retries, optional proxy,
// a persisted cookie blob and gated raw-response logging.
type Client struct {
	provider string
	db       *database.DB
	httpc    *http.Client

	throttleMu  sync.Mutex
	lastRequest time.Time
	minInterval time.Duration

	session *SessionHooks
}

// NewClient builds the client for one provider, honoring the global
// proxy settings when the provider's use_proxy flag is set.
func NewClient(ctx context.Context, provider string, db *database.DB, useProxy bool) (*Client, error) {
	httpc, err := buildHTTPClient(ctx, db, useProxy)
	if err != nil {
		return nil, err
	}
	return &Client{
		provider:    provider,
		db:          db,
		httpc:       httpc,
		minInterval: defaultMinInterval,
	}, nil
}

func buildHTTPClient(ctx context.Context, db *database.DB, useProxy bool) (*http.Client, error) {
	transport := &http.Transport{}
	if useProxy {
		enabled, _ := db.GetConfigValue(ctx, config.KeyProxyEnabled, "false")
		proxyURL, _ := db.GetConfigValue(ctx, config.KeyProxyURL, "")
		if enabled == "true" && proxyURL != "" {
			u, err := url.Parse(proxyURL)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url: %w", err)
			}
			switch u.Scheme {
			case "socks5", "socks5h":
				dialer, err := xproxy.FromURL(u, xproxy.Direct)
				if err != nil {
					return nil, fmt.Errorf("socks5 proxy: %w", err)
				}
				if cd, ok := dialer.(xproxy.ContextDialer); ok {
					transport.DialContext = cd.DialContext
				}
			default:
				transport.Proxy = http.ProxyURL(u)
			}
		}
	}
	return &http.Client{Timeout: 20 * time.Second, Transport: transport}, nil
}

// SetSessionHooks installs the session-expired replay behavior.
func (c *Client) SetSessionHooks(h *SessionHooks) { c.session = h }

// SetMinInterval overrides the request spacing, for tests.
func (c *Client) SetMinInterval(d time.Duration) { c.minInterval = d }

// SetHTTPClient swaps the underlying HTTP client, for tests.
func (c *Client) SetHTTPClient(httpc *http.Client) { c.httpc = httpc }

// Provider returns the owning provider's name.
func (c *Client) Provider() string { return c.provider }

// DB exposes the store for cache and config reads by the site scrapers.
func (c *Client) DB() *database.DB { return c.db }

// Do performs one throttled, retried request and returns the status and
// full body. When session hooks are installed and the expired heuristic
// matches, the session is refreshed and the request replayed once; the
// build function is called per attempt so replays carry fresh cookies.
func (c *Client) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (int, []byte, error) {
	status, body, err := c.doOnce(ctx, build)
	if err != nil {
		return 0, nil, err
	}
	if c.session != nil && c.session.Expired != nil && c.session.Expired(status, body) {
		log.Printf("[%s] session expired, refreshing and replaying", c.provider)
		if err := c.session.Refresh(ctx); err != nil {
			return 0, nil, fmt.Errorf("refresh session: %w", err)
		}
		return c.doOnce(ctx, build)
	}
	return status, body, nil
}

func (c *Client) doOnce(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (int, []byte, error) {
	var (
		status int
		body   []byte
	)
	err := retry.Do(
		func() error {
			c.throttle()

			req, err := build(ctx)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := c.httpc.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return fmt.Errorf("%s: %s", c.provider, resp.Status)
			}
			status = resp.StatusCode
			body = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(300*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return 0, nil, err
	}
	c.logResponse(ctx, body)
	return status, body, nil
}

func (c *Client) throttle() {
	c.throttleMu.Lock()
	defer c.throttleMu.Unlock()
	if since := time.Since(c.lastRequest); since < c.minInterval {
		time.Sleep(c.minInterval - since)
	}
	c.lastRequest = time.Now()
}

func (c *Client) logResponse(ctx context.Context, body []byte) {
	enabled, _ := c.db.GetConfigValue(ctx, "scraper_"+c.provider+"_log_responses", "false")
	if enabled != "true" {
		return
	}
	const maxLogged = 4096
	b := body
	if len(b) > maxLogged {
		b = b[:maxLogged]
	}
	log.Printf("[scraper-raw] %s: %s", c.provider, b)
}

// Cookie returns the persisted cookie blob for this provider.
func (c *Client) Cookie(ctx context.Context) string {
	v, _ := c.db.GetConfigValue(ctx, "scraper_"+c.provider+"_cookie", "")
	return v
}

// SetCookie persists the provider's cookie blob.
func (c *Client) SetCookie(ctx context.Context, cookie string) error {
	return c.db.SetConfigValue(ctx, "scraper_"+c.provider+"_cookie", cookie)
}

// UserBlacklist compiles the provider's user-supplied episode blacklist
// pattern. An empty or invalid pattern yields nil; invalid patterns are
// logged once per call rather than failing the pipeline.
func (c *Client) UserBlacklist(ctx context.Context) *regexp.Regexp {
	pattern, _ := c.db.GetConfigValue(ctx, "scraper_"+c.provider+"_episode_blacklist_regex", "")
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Printf("[%s] invalid episode blacklist pattern %q: %v", c.provider, pattern, err)
		return nil
	}
	return re
}

// ConfigTTL reads a TTL config key in seconds.
func (c *Client) ConfigTTL(ctx context.Context, key string, def time.Duration) time.Duration {
	v, _ := c.db.GetConfigValue(ctx, key, "")
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

// Cached runs fetch through the database cache: a hit returns the stored
// payload, a miss stores the fetched payload under key for ttl. Cache
// errors degrade to a plain fetch.
func (c *Client) Cached(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (string, error)) (string, error) {
	if v, err := c.db.GetCache(ctx, key); err == nil {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	if err := c.db.SetCache(ctx, key, c.provider, v, ttl); err != nil {
		log.Printf("[%s] cache write for %s failed: %v", c.provider, key, err)
	}
	return v, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpc.CloseIdleConnections()
	return nil
}
