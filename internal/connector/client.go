package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "go-market-collector/1.0"
)

// ClientOptions configures the shared REST client underneath each connector.
type ClientOptions struct {
	Timeout  time.Duration
	ProxyURL string
	// RequestsPerSecond bounds the request rate against public endpoints.
	// Zero disables client-side limiting.
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// client is the shared HTTP plumbing for all connectors: rate limiting,
// proxy support, timeouts and uniform error classification. Each call is a
// single request; retry policy belongs to the caller.
type client struct {
	exchange string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func newClient(exchange string, opts ClientOptions) (*client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", opts.ProxyURL, err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		exchange: exchange,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		limiter: limiter,
		logger:  logger.With("exchange", exchange),
	}, nil
}

// getJSON performs one rate-limited GET and decodes the JSON body into out.
// Non-2xx responses and transport failures come back as ConnectivityError so
// retryability can be decided from the status code.
func (c *client) getJSON(ctx context.Context, baseURL, path string, params url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.NewConnectivityError(c.exchange, path, 0, err)
		}
	}

	fullURL := baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return apperrors.NewConnectivityError(c.exchange, path, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NewConnectivityError(c.exchange, path, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return apperrors.NewConnectivityError(c.exchange, path, resp.StatusCode, err)
	}

	c.logger.Debug("request completed",
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.NewConnectivityError(c.exchange, path, resp.StatusCode,
			fmt.Errorf("unexpected status: %s", truncate(string(body), 256)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.NewConnectivityError(c.exchange, path, resp.StatusCode,
			fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
