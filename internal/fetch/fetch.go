// Package fetch downloads upstream feed bodies with optional HTTP caching
// (ETag / Last-Modified) backed by a disk cache.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	appLog "sortir/internal/log"
)

// MaxBodyBytes caps the size of a single upstream response.
const MaxBodyBytes = 8 << 20

// ErrNotModifiedWithoutCache is returned when the upstream answers 304 but
// no cached body exists.
var ErrNotModifiedWithoutCache = errors.New("received 304 Not Modified but no cached body available")

// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes.
var ErrBodyTooLarge = fmt.Errorf("response body exceeds %d bytes", MaxBodyBytes)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "unexpected status: " + e.Status
}

// Result contains the outcome of fetching a single URL.
type Result struct {
	URL         string
	Body        []byte
	ContentType string
	FromCache   bool // true if we reused the cached body due to 304
}

// cacheEntry holds HTTP cache metadata for a single URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher performs GET requests with a descriptive User-Agent and, when a
// cache directory is configured, conditional requests.
type Fetcher struct {
	client    *http.Client
	userAgent string
	cacheDir  string
}

// NewHTTPClient returns a client with tuned dial/TLS timeouts. The overall
// request deadline comes from the caller's context.
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// New creates a Fetcher. cacheDir may be empty to disable conditional GET.
func New(client *http.Client, userAgent, cacheDir string) *Fetcher {
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	return &Fetcher{
		client:    client,
		userAgent: userAgent,
		cacheDir:  cacheDir,
	}
}

// UserAgent returns the identifier sent upstream.
func (f *Fetcher) UserAgent() string {
	return f.userAgent
}

// Get fetches url. headers are added to the request after the defaults.
func (f *Fetcher) Get(ctx context.Context, url string, headers map[string]string) (Result, error) {
	if url == "" {
		return Result{}, errors.New("url is empty")
	}

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(url)
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = loadCacheBody(cachePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Result{}, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "*/*")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	// Conditional headers only make sense when we can serve the body back.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return Result{}, ErrNotModifiedWithoutCache
		}
		appLog.Debug("fetch not modified; using cache", "url", appLog.RedactURL(url))
		return Result{URL: url, Body: cachedBody, FromCache: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
		if err != nil {
			return Result{}, fmt.Errorf("read body: %w", err)
		}
		if len(body) > MaxBodyBytes {
			return Result{}, ErrBodyTooLarge
		}

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          url,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if newMeta.ETag != "" || newMeta.LastModified != "" {
				if err := saveCache(cachePath, newMeta, body); err != nil {
					// Log but still return the freshly fetched body.
					appLog.Error("fetch cache save failed", err, "url", appLog.RedactURL(url))
				}
			}
		}

		return Result{
			URL:         url,
			Body:        body,
			ContentType: resp.Header.Get("Content-Type"),
		}, nil

	default:
		return Result{}, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return err
	}

	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}
