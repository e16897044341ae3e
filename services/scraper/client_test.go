package scraper

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/l429609201/danmu-api-server/internal/database"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func fakeResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	c, err := NewClient(context.Background(), "test", db, false)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.SetMinInterval(0)
	c.SetHTTPClient(&http.Client{Transport: rt})
	return c
}

func buildGET(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestClientRetriesTransientErrors(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			return fakeResponse(http.StatusInternalServerError, "boom"), nil
		}
		return fakeResponse(http.StatusOK, "ok"), nil
	})

	status, body, err := c.Do(context.Background(), buildGET("https://example.test/x"))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if status != http.StatusOK || string(body) != "ok" {
		t.Fatalf("status=%d body=%q", status, body)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestClientGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		calls++
		return fakeResponse(http.StatusTooManyRequests, ""), nil
	})

	if _, _, err := c.Do(context.Background(), buildGET("https://example.test/x")); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		calls++
		return fakeResponse(http.StatusNotFound, "missing"), nil
	})

	status, _, err := c.Do(context.Background(), buildGET("https://example.test/x"))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if status != http.StatusNotFound {
		t.Fatalf("status = %d", status)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestClientSessionReplay(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return fakeResponse(http.StatusOK, `{"error":1011}`), nil
		}
		return fakeResponse(http.StatusOK, `{"data":"fresh"}`), nil
	})

	refreshed := false
	c.SetSessionHooks(&SessionHooks{
		Expired: func(status int, body []byte) bool {
			return strings.Contains(string(body), "1011")
		},
		Refresh: func(ctx context.Context) error {
			refreshed = true
			return nil
		},
	})

	_, body, err := c.Do(context.Background(), buildGET("https://example.test/x"))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !refreshed {
		t.Fatal("session was not refreshed")
	}
	if !strings.Contains(string(body), "fresh") {
		t.Fatalf("replay body = %q", body)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestClientThrottlesRequests(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return fakeResponse(http.StatusOK, "ok"), nil
	})
	c.SetMinInterval(30 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, _, err := c.Do(context.Background(), buildGET("https://example.test/x")); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("three requests finished in %v, throttle not applied", elapsed)
	}
}

func TestClientCached(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return fakeResponse(http.StatusOK, "ok"), nil
	})

	fetches := 0
	fetch := func(ctx context.Context) (string, error) {
		fetches++
		return "payload", nil
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := c.Cached(ctx, "key", time.Hour, fetch)
		if err != nil || v != "payload" {
			t.Fatalf("Cached: v=%q err=%v", v, err)
		}
	}
	if fetches != 1 {
		t.Fatalf("fetches = %d, want 1", fetches)
	}
}
