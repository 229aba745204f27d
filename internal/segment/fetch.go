package segment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// Fetcher opens segment log locations. Local paths are read directly; http(s) URLs are
// downloaded and, unless disabled, kept in a FileCache.
type Fetcher struct {
	Client *http.Client
	Cache  *FileCache // nil disables caching
}

func NewFetcher(cache *FileCache) *Fetcher {
	return &Fetcher{
		Client: &http.Client{Timeout: 60 * time.Second},
		Cache:  cache,
	}
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// Open returns a reader for location. useCache=false bypasses the file cache for both
// lookups and stores.
func (f *Fetcher) Open(ctx context.Context, location string, useCache bool) (io.ReadCloser, error) {
	if !isRemote(location) {
		file, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", location, err)
		}
		return file, nil
	}

	cache := f.Cache
	if !useCache {
		cache = nil
	}
	if cache != nil {
		if data, ok := cache.Get(location); ok {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", location, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", location, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", location, err)
	}
	if cache != nil {
		if err := cache.Put(location, data); err != nil {
			log.Printf("[WARN] Segment fetch: caching %s failed: %v", location, err)
		}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
