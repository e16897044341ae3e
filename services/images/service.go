// Package images downloads and caches poster images on local disk.
package images

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

const (
	imageDir        = "images"
	downloadTimeout = 30 * time.Second
	maxImageSize    = 10 << 20
)

// Service stores downloaded posters under <dataDir>/images.
type Service struct {
	fs      afero.Fs
	dataDir string
	httpc   *http.Client
}

// NewService builds the image store on the OS filesystem.
func NewService(dataDir string) *Service {
	return &Service{
		fs:      afero.NewOsFs(),
		dataDir: dataDir,
		httpc:   &http.Client{Timeout: downloadTimeout},
	}
}

// SetFs swaps the filesystem, used by tests.
func (s *Service) SetFs(fs afero.Fs) { s.fs = fs }

// SetHTTPClient swaps the transport, used by tests.
func (s *Service) SetHTTPClient(c *http.Client) { s.httpc = c }

// Download fetches a poster and stores it locally, returning the path
// relative to the data directory. The filename is derived from the URL
// so repeated downloads of the same poster overwrite in place; the
// extension comes from sniffing the payload, not the URL.
func (s *Service) Download(ctx context.Context, imageURL string) (string, error) {
	if imageURL == "" {
		return "", fmt.Errorf("empty image url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image download: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", fmt.Errorf("image download: empty body")
	}

	mt := mimetype.Detect(body)
	ext := mt.Extension()
	if ext == "" {
		ext = ".jpg"
	}

	name := fmt.Sprintf("%x%s", md5.Sum([]byte(imageURL)), ext)
	rel := filepath.Join(imageDir, name)
	abs := filepath.Join(s.dataDir, rel)

	if err := s.fs.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := afero.WriteFile(s.fs, abs, body, 0o644); err != nil {
		return "", err
	}
	log.Printf("[images] stored %s (%s, %d bytes)", rel, mt.String(), len(body))
	return rel, nil
}

// Remove deletes a stored poster. Missing files are not an error.
func (s *Service) Remove(relPath string) error {
	if relPath == "" {
		return nil
	}
	err := s.fs.Remove(filepath.Join(s.dataDir, relPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Open returns a stored poster for serving.
func (s *Service) Open(relPath string) (afero.File, error) {
	return s.fs.Open(filepath.Join(s.dataDir, relPath))
}
