package zoomapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"calletl/internal/metrics"
)

// DefaultBaseURL is the production provider endpoint. Tests point BaseURL at
// an httptest server instead.
const DefaultBaseURL = "https://api.zoom.us"

// ClientConfig configures the rate-limited API client.
type ClientConfig struct {
	// BaseURL overrides DefaultBaseURL (used by tests and mock servers).
	BaseURL string

	// RequestsPerWindow and Window define the provider rate ceiling.
	// Defaults: 5 requests per 1s.
	RequestsPerWindow int
	Window            time.Duration

	// Timeout bounds each request (default 30s). The reference behavior had
	// no explicit timeout; a hung provider should fail the run instead.
	Timeout time.Duration

	// Transport allows injecting a custom RoundTripper in tests.
	Transport http.RoundTripper
}

// Client issues GET requests against the provider API, never exceeding the
// configured rate ceiling. All requests go through the shared Limiter.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *Limiter
}

// NewClient builds a client, applying defaults for unset fields.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		limiter: NewLimiter(cfg.RequestsPerWindow, cfg.Window),
	}
}

// BaseURL returns the configured endpoint root.
func (c *Client) BaseURL() string { return c.baseURL }

// Get acquires a rate permit, then issues one GET and returns the body.
// Non-2xx statuses are returned as errors with the body discarded.
func (c *Client) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("zoomapi: acquire rate permit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("zoomapi: build request: %w", err)
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.IncCounter(metrics.MetricHTTPErrors, 1, metrics.Labels{"status": "transport"})
		return nil, fmt.Errorf("zoomapi: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	status := strconv.Itoa(resp.StatusCode)
	metrics.IncCounter(metrics.MetricHTTPRequests, 1, metrics.Labels{"status": status})
	metrics.ObserveHistogram(metrics.MetricHTTPRequestDur, time.Since(start).Seconds(), metrics.Labels{"status": status})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.IncCounter(metrics.MetricHTTPErrors, 1, metrics.Labels{"status": status})
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("zoomapi: GET %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("zoomapi: read response: %w", err)
	}
	return body, nil
}
