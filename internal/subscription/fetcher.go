package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	pkgerrors "xraydeck/pkg/errors"
)

// maxBodySize caps subscription downloads; real ones are a few KiB.
const maxBodySize = 1 << 20

// Fetcher handles HTTP requests for subscriptions with retry logic
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	retryDelay time.Duration
}

// FetcherConfig represents fetcher configuration
type FetcherConfig struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultFetcherConfig returns default fetcher configuration
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		UserAgent:  "xraydeck/1.0",
		Timeout:    15 * time.Second,
		MaxRetries: 2,
		RetryDelay: 2 * time.Second,
	}
}

// NewFetcher creates a new subscription fetcher
func NewFetcher(config FetcherConfig) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent:  config.UserAgent,
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}
}

// Response is a fetched subscription body and its headers.
type Response struct {
	Body   []byte
	Header http.Header
}

// Fetch fetches subscription content from a URL with retry logic. Every
// failure is reported as ErrSubscriptionFetchFailed.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, f.fail(url, ctx.Err())
			case <-time.After(f.retryDelay * time.Duration(attempt)):
			}
		}

		resp, err := f.doFetch(ctx, url)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}

		// Don't retry on client errors (4xx)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			break
		}
	}

	return nil, f.fail(url, lastErr)
}

func (f *Fetcher) fail(url string, err error) error {
	return &pkgerrors.SubscriptionError{
		URL: url,
		Err: fmt.Errorf("%w: %v", pkgerrors.ErrSubscriptionFetchFailed, err),
	}
}

// doFetch performs a single fetch attempt
func (f *Fetcher) doFetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        url,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{Body: body, Header: resp.Header}, nil
}

// HTTPError represents an HTTP error
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %s for %s", e.Status, e.URL)
}
