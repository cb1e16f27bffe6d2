// Package photos resolves directory photo references to image bytes.
package photos

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Extension is appended to every photo reference by convention.
const Extension = ".JPG"

// maxPhotoSize bounds a single portrait download.
const maxPhotoSize = 32 * 1024 * 1024

// Fetcher loads portraits either from a local directory or an HTTP base URL.
type Fetcher struct {
	Base   string
	Client *http.Client
}

// NewFetcher returns a fetcher rooted at base.
func NewFetcher(base string) *Fetcher {
	return &Fetcher{
		Base:   strings.TrimRight(base, "/"),
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *Fetcher) remote() bool {
	return strings.HasPrefix(f.Base, "http://") || strings.HasPrefix(f.Base, "https://")
}

// Resolve returns the location of a photo reference.
func (f *Fetcher) Resolve(ref string) string {
	name := ref + Extension
	if f.remote() {
		return f.Base + "/" + name
	}
	return filepath.Join(f.Base, filepath.Base(name))
}

// Fetch reads the photo for a reference.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	loc := f.Resolve(ref)
	if !f.remote() {
		data, err := os.ReadFile(loc)
		if err != nil {
			return nil, fmt.Errorf("failed to read photo %s: %w", loc, err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch photo %s: %w", loc, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch photo %s: HTTP %d", loc, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPhotoSize))
}
