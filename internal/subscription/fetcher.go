package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"corekeeper/internal/config"
	pkgerrors "corekeeper/pkg/errors"
)

// maxBodySize caps a subscription download.
const maxBodySize = 16 << 20

// Fetcher handles HTTP requests for subscriptions with retry logic
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	retryDelay time.Duration
}

// Response is a fetched subscription body and its headers.
type Response struct {
	Body   []byte
	Header http.Header
}

// NewFetcher creates a fetcher from the subscription settings.
func NewFetcher(cfg config.SubscriptionConfig) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.Retries,
		retryDelay: 2 * time.Second,
	}
}

// Fetch downloads url. userAgent overrides the configured one when set.
// Client errors (4xx) are not retried.
func (f *Fetcher) Fetch(ctx context.Context, url, userAgent string) (*Response, error) {
	if userAgent == "" {
		userAgent = f.userAgent
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retryDelay * time.Duration(attempt)):
			}
		}

		attempts++
		resp, err := f.doFetch(ctx, url, userAgent)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			break
		}
	}

	return nil, &pkgerrors.SubscriptionError{
		URL: url,
		Err: fmt.Errorf("%w: %d attempt(s): %w", pkgerrors.ErrSubscriptionFetchFailed, attempts, lastErr),
	}
}

func (f *Fetcher) doFetch(ctx context.Context, url, userAgent string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
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
