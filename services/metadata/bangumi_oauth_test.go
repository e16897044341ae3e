package metadata

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/l429609201/danmu-api-server/config"
)

func TestAuthorizeURLRequiresClientID(t *testing.T) {
	db := openTestDB(t)
	c := NewBangumiClient(db)
	if _, err := c.AuthorizeURL(context.Background(), "http://localhost/cb"); err == nil {
		t.Fatal("expected error without a configured client id")
	}
}

func TestAuthorizeURLStoresState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.SetConfigValue(ctx, config.KeyBangumiClientID, "app1"); err != nil {
		t.Fatalf("set client id: %v", err)
	}

	c := NewBangumiClient(db)
	authURL, err := c.AuthorizeURL(ctx, "http://localhost/cb")
	if err != nil {
		t.Fatalf("AuthorizeURL: %v", err)
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" || u.Query().Get("client_id") != "app1" {
		t.Fatalf("url = %s", authURL)
	}
	if userID, err := db.ConsumeOAuthState(ctx, state); err != nil || userID != bangumiAuthUser {
		t.Fatalf("state not stored: user=%d err=%v", userID, err)
	}
}

func TestExchangeCodeStoresGrant(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.SetConfigValue(ctx, config.KeyBangumiClientID, "app1")
	db.SetConfigValue(ctx, config.KeyBangumiClientSecret, "s3cret")

	c := NewBangumiClient(db)
	authURL, err := c.AuthorizeURL(ctx, "http://localhost/cb")
	if err != nil {
		t.Fatalf("AuthorizeURL: %v", err)
	}
	state := mustQuery(t, authURL, "state")

	c.SetHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(r.URL.Path, "/oauth/access_token"):
			if err := r.ParseForm(); err != nil {
				t.Fatalf("parse form: %v", err)
			}
			if r.PostForm.Get("code") != "c0de" || r.PostForm.Get("client_secret") != "s3cret" {
				t.Fatalf("form = %v", r.PostForm)
			}
			return jsonResponse(200, `{"access_token":"tok","refresh_token":"ref","expires_in":604800,"user_id":42}`), nil
		case strings.HasSuffix(r.URL.Path, "/v0/me"):
			if r.Header.Get("Authorization") != "Bearer tok" {
				t.Fatalf("missing bearer header")
			}
			return jsonResponse(200, `{"id":42,"nickname":"观测者","avatar":{"large":"https://lain.bgm.tv/a.jpg"}}`), nil
		}
		return jsonResponse(404, `{}`), nil
	})})

	if err := c.ExchangeCode(ctx, "c0de", state, "http://localhost/cb"); err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	auth, err := db.GetBangumiAuth(ctx, bangumiAuthUser)
	if err != nil {
		t.Fatalf("GetBangumiAuth: %v", err)
	}
	if auth.AccessToken != "tok" || auth.BangumiUserID != 42 || auth.Nickname != "观测者" {
		t.Fatalf("auth = %+v", auth)
	}
	if auth.ExpiresAt == nil {
		t.Fatal("expiry not recorded")
	}

	// A state nonce is single-use.
	if err := c.ExchangeCode(ctx, "c0de", state, "http://localhost/cb"); err == nil {
		t.Fatal("expected reused state to fail")
	}
}

func TestRevokeAuthFallsBackToAnonymous(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	c := NewBangumiClient(db)
	state, err := c.AuthState(ctx)
	if err != nil || state.Authorized {
		t.Fatalf("fresh state = %+v, err %v", state, err)
	}
	if err := c.RevokeAuth(ctx); err != nil {
		t.Fatalf("revoke without grant: %v", err)
	}
}

func mustQuery(t *testing.T, rawURL, key string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	v := u.Query().Get(key)
	if v == "" {
		t.Fatalf("%q missing in %s", key, rawURL)
	}
	return v
}
