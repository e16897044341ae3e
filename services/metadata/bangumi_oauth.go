package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l429609201/danmu-api-server/config"
	"github.com/l429609201/danmu-api-server/internal/database"
)

const (
	bangumiOAuthBase = "https://bgm.tv/oauth"
	oauthStateTTL    = 10 * time.Minute

	// Single-admin deployment: every grant belongs to user 1.
	bangumiAuthUser = 1
)

// AuthState describes the stored Bangumi grant for the UI.
type AuthState struct {
	Authorized    bool       `json:"authorized"`
	BangumiUserID int64      `json:"bangumiUserId,omitempty"`
	Nickname      string     `json:"nickname,omitempty"`
	AvatarURL     string     `json:"avatarUrl,omitempty"`
	AuthorizedAt  *time.Time `json:"authorizedAt,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// AuthState reports whether a grant is stored and who it belongs to.
func (c *BangumiClient) AuthState(ctx context.Context) (*AuthState, error) {
	auth, err := c.db.GetBangumiAuth(ctx, bangumiAuthUser)
	if errors.Is(err, database.ErrNotFound) {
		return &AuthState{}, nil
	}
	if err != nil {
		return nil, err
	}
	at := auth.AuthorizedAt
	return &AuthState{
		Authorized:    true,
		BangumiUserID: auth.BangumiUserID,
		Nickname:      auth.Nickname,
		AvatarURL:     auth.AvatarURL,
		AuthorizedAt:  &at,
		ExpiresAt:     auth.ExpiresAt,
	}, nil
}

// AuthorizeURL issues a state nonce and builds the bgm.tv consent URL
// the browser should be sent to.
func (c *BangumiClient) AuthorizeURL(ctx context.Context, redirectURI string) (string, error) {
	clientID, err := c.db.GetConfigValue(ctx, config.KeyBangumiClientID, "")
	if err != nil {
		return "", err
	}
	if clientID == "" {
		return "", fmt.Errorf("bangumi app not configured: set %s first", config.KeyBangumiClientID)
	}
	state := uuid.NewString()
	if err := c.db.CreateOAuthState(ctx, state, bangumiAuthUser, oauthStateTTL); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	return bangumiOAuthBase + "/authorize?" + q.Encode(), nil
}

// ExchangeCode finishes the OAuth round-trip: it validates the state
// nonce, trades the code for tokens and stores the grant together with
// the profile of the authorizing user.
func (c *BangumiClient) ExchangeCode(ctx context.Context, code, state, redirectURI string) error {
	userID, err := c.db.ConsumeOAuthState(ctx, state)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("unknown or expired oauth state")
		}
		return err
	}

	clientID, err := c.db.GetConfigValue(ctx, config.KeyBangumiClientID, "")
	if err != nil {
		return err
	}
	clientSecret, err := c.db.GetConfigValue(ctx, config.KeyBangumiClientSecret, "")
	if err != nil {
		return err
	}
	if clientID == "" || clientSecret == "" {
		return fmt.Errorf("bangumi app not configured")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		bangumiOAuthBase+"/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bangumi token exchange failed: %s", resp.Status)
	}
	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		UserID       int64  `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return err
	}
	if token.AccessToken == "" {
		return fmt.Errorf("bangumi token exchange returned no access token")
	}

	auth := &database.BangumiAuth{
		UserID:        userID,
		BangumiUserID: token.UserID,
		AccessToken:   token.AccessToken,
		RefreshToken:  token.RefreshToken,
	}
	if token.ExpiresIn > 0 {
		t := time.Now().UTC().Add(time.Duration(token.ExpiresIn) * time.Second)
		auth.ExpiresAt = &t
	}
	if profile, err := c.fetchProfile(ctx, token.AccessToken); err == nil {
		auth.Nickname = profile.Nickname
		auth.AvatarURL = profile.Avatar.Large
		if auth.BangumiUserID == 0 {
			auth.BangumiUserID = profile.ID
		}
	}
	return c.db.SaveBangumiAuth(ctx, auth)
}

// RevokeAuth drops the stored grant. Subsequent API calls fall back to
// anonymous access.
func (c *BangumiClient) RevokeAuth(ctx context.Context) error {
	return c.db.DeleteBangumiAuth(ctx, bangumiAuthUser)
}

type bangumiProfile struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
	Avatar   struct {
		Large string `json:"large"`
	} `json:"avatar"`
}

func (c *BangumiClient) fetchProfile(ctx context.Context, accessToken string) (*bangumiProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bangumiAPIBase+"/v0/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", "l429609201/danmu-api-server")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bangumi profile fetch failed: %s", resp.Status)
	}
	var p bangumiProfile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
