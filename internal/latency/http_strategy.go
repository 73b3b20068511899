package latency

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"xraydeck/internal/storage/models"
)

// DefaultTestURL answers 204 No Content.
const DefaultTestURL = "http://www.gstatic.com/generate_204"

// HTTPStrategy measures latency with an HTTP request through the local SOCKS
// inbound of the running proxy, so the whole chain is exercised.
type HTTPStrategy struct {
	URL    string
	client *http.Client
}

// NewHTTPStrategy creates an HTTP strategy using the SOCKS inbound on socksPort.
func NewHTTPStrategy(socksPort int) *HTTPStrategy {
	proxyURL := &url.URL{Scheme: "socks5", Host: fmt.Sprintf("127.0.0.1:%d", socksPort)}
	return &HTTPStrategy{
		URL: DefaultTestURL,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyURL(proxyURL),
				DisableKeepAlives:     true,
				ResponseHeaderTimeout: 10 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (s *HTTPStrategy) Name() string { return StrategyHTTP }

func (s *HTTPStrategy) Test(ctx context.Context, _ *models.Profile) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return int(elapsed.Milliseconds()), nil
}
