package images

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Smallest valid PNG header, enough for the sniffer.
var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func newTestService(body []byte, status int) *Service {
	s := NewService("/data")
	s.SetFs(afero.NewMemMapFs())
	s.SetHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Status:     http.StatusText(status),
			Body:       io.NopCloser(strings.NewReader(string(body))),
			Header:     http.Header{},
		}, nil
	})})
	return s
}

func TestDownloadSniffsExtension(t *testing.T) {
	s := newTestService(pngBytes, 200)

	rel, err := s.Download(context.Background(), "https://img.example.com/poster")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !strings.HasPrefix(rel, "images/") || !strings.HasSuffix(rel, ".png") {
		t.Fatalf("rel path = %q", rel)
	}

	f, err := s.Open(rel)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if len(data) != len(pngBytes) {
		t.Fatalf("stored %d bytes, want %d", len(data), len(pngBytes))
	}
}

func TestDownloadRejectsNon200(t *testing.T) {
	s := newTestService(nil, 404)
	if _, err := s.Download(context.Background(), "https://img.example.com/missing"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestRemoveMissingIsNoop(t *testing.T) {
	s := NewService("/data")
	s.SetFs(afero.NewMemMapFs())
	if err := s.Remove("images/nope.jpg"); err != nil {
		t.Fatalf("remove: %v", err)
	}
}
