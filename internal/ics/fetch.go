package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "duecal/internal/log"
	"duecal/internal/model"
)

// DefaultFetchTimeout bounds a single feed request.
const DefaultFetchTimeout = 15 * time.Second

// ErrFetch wraps every transport or HTTP status failure.
var ErrFetch = errors.New("could not refresh calendar")

// Source represents a single feed subscription.
type Source struct {
	// ID is an internal identifier (e.g., config feed ID).
	ID string
	// URL is the feed endpoint; webcal:// and webcals:// are accepted.
	URL string
}

// FetchResult contains the outcome of fetching a single feed.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool // true if the server answered 304 and the cached body was reused
}

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher fetches feeds with conditional requests (ETag / Last-Modified)
// backed by a disk cache. It never retries and never serves a stale body on
// failure; deciding what to show then is the caller's job.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher. An empty cacheDir disables the disk cache;
// a non-positive timeout uses DefaultFetchTimeout.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// NormalizeURL rewrites the webcal schemes to https.
func NormalizeURL(u string) string {
	u = strings.TrimSpace(u)
	lower := strings.ToLower(u)
	switch {
	case strings.HasPrefix(lower, "webcals://"):
		return "https://" + u[len("webcals://"):]
	case strings.HasPrefix(lower, "webcal://"):
		return "https://" + u[len("webcal://"):]
	}
	return u
}

// FetchAll fetches all sources in order. Failed sources are logged and
// reported in the error slice, prefixed with the source ID; results only
// hold sources that produced a body.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(sources))
	errs := make([]error, 0)

	for _, src := range sources {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", src.ID, err))
			appLog.Error("ics fetch failed", err, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		results = append(results, res)
	}

	return results, errs
}

// ParseResult parses a fetched body and tags every record with the source ID.
func (p *Parser) ParseResult(res FetchResult) []model.Record {
	recs := p.Parse(string(res.Body))
	for i := range recs {
		recs[i].Feed = res.Source.ID
	}
	return recs
}

// FetchOne fetches a single source, honoring ETag and Last-Modified.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if strings.TrimSpace(src.URL) == "" {
		return FetchResult{}, fmt.Errorf("%w: source URL is empty", ErrFetch)
	}
	url := NormalizeURL(src.URL)

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(url)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			appLog.Error("ics cache dir unavailable", err, "id", src.ID)
			cachePath = ""
		} else {
			meta, _ = f.loadCacheMeta(cachePath)
			cachedBody, _ = f.loadCacheBody(cachePath)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	// Conditional headers only make sense when we can serve the cached body.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Info("ics fetch start", "id", src.ID, "url", redactURL(url))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %s: %v", ErrFetch, redactURL(url), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, fmt.Errorf("%w: reading body: %v", ErrFetch, readErr)
		}

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          url,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := f.saveCache(cachePath, newMeta, body); err != nil {
				// Log but still return the freshly fetched body.
				appLog.Error("ics cache save failed", err, "id", src.ID, "url", redactURL(url))
			}
		}

		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(url), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case resp.StatusCode == http.StatusNotModified && len(cachedBody) > 0:
		appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(url))
		return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil

	default:
		return FetchResult{}, fmt.Errorf("%w: %s returned %s", ErrFetch, redactURL(url), resp.Status)
	}
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
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

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides sensitive parts of a feed URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + redactedSuffix
}
