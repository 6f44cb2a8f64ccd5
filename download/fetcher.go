// Package download fetches remote media assets into the asset store. Warm
// requests for the same key are collapsed with singleflight so only one
// upstream fetch runs, and warm batches bound how many fetches are in
// flight at once.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/telemetry"
)

// FetchResult is an open upstream response. The caller must close Body.
type FetchResult struct {
	Body          io.ReadCloser
	ContentLength int64 // -1 if unknown
	ContentType   string
}

// Fetcher retrieves an asset's bytes from its upstream source.
type Fetcher interface {
	Fetch(ctx context.Context, key mediacache.Key) (*FetchResult, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key mediacache.Key) (*FetchResult, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, key mediacache.Key) (*FetchResult, error) {
	return f(ctx, key)
}

// HTTPFetcher fetches assets over HTTP using an instrumented transport.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// HTTPFetcherOption configures an HTTPFetcher.
type HTTPFetcherOption func(*HTTPFetcher)

// WithHTTPClient sets the HTTP client used for upstream fetches.
func WithHTTPClient(client *http.Client) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// WithUserAgent sets the User-Agent header sent upstream.
func WithUserAgent(ua string) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

// NewHTTPFetcher creates an HTTP fetcher. The default client wraps the
// standard transport with request metrics.
func NewHTTPFetcher(opts ...HTTPFetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport),
			Timeout:   5 * time.Minute,
		},
		userAgent: "media-cache",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch issues a GET for the key's URL. Non-2xx responses are errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, key mediacache.Key) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", key.ShortString(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: upstream status %d", key.ShortString(), resp.StatusCode)
	}

	return &FetchResult{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
	}, nil
}

// Compile-time interface check
var _ Fetcher = (*HTTPFetcher)(nil)
