// Package remote is a small client for the hosted auth and table services the site stores its data in.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"smallsite/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// ErrNotConfigured is returned by New when the base URL or the public API key is missing.
var ErrNotConfigured = errors.New("remote store URL and public API key are required")

const (
	authPath = "/auth/v1"
	restPath = "/rest/v1"

	defaultTimeout     = 10 * time.Second
	defaultRefreshTick = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	URL    string
	APIKey string

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration

	// RefreshMargin is how long before expiry an access token counts as expired.
	RefreshMargin time.Duration
	// RefreshTick is how often StartAutoRefresh checks the session.
	RefreshTick time.Duration

	Now func() time.Time
}

// Client is the shared transport to the remote store. It holds no session state;
// per-user state lives in Auth.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	margin  time.Duration
	tick    time.Duration
	now     func() time.Time
}

// New validates opts and builds a Client.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	key := strings.TrimSpace(opts.APIKey)
	if base == "" || key == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid remote store URL %q: %w", base, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	tick := opts.RefreshTick
	if tick <= 0 {
		tick = defaultRefreshTick
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		baseURL: base,
		apiKey:  key,
		http:    hc,
		margin:  opts.RefreshMargin,
		tick:    tick,
		now:     now,
	}, nil
}

// BaseURL returns the configured remote origin.
func (c *Client) BaseURL() string { return c.baseURL }

// TokenSource yields the bearer token to send. An empty token falls back to the public key.
type TokenSource interface {
	AccessToken(ctx context.Context) string
}

type request struct {
	service   string
	operation string
	method    string
	path      string
	query     url.Values
	header    http.Header
	token     string
	body      any
}

// do sends req and decodes a JSON response into out when out is non-nil.
// It returns the response status so callers can inspect write results.
func (c *Client) do(ctx context.Context, req request, out any) (status int, err error) {
	span, ctx := observability.StartClientSpan(ctx, req.service, req.operation,
		attribute.String("http.method", req.method),
		attribute.String("http.path", req.path),
	)
	done := observability.TrackRemote(req.service, req.operation)
	defer func() {
		done(err)
		span.Finish(err)
	}()

	var body io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	hr, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return 0, err
	}
	for k, vs := range req.header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	token := req.token
	if token == "" {
		token = c.apiKey
	}
	hr.Header.Set("apikey", c.apiKey)
	hr.Header.Set("Authorization", "Bearer "+token)
	hr.Header.Set("Accept", "application/json")
	if req.body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", req.service, req.operation, err)
	}
	defer resp.Body.Close()

	span.AddAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return resp.StatusCode, decodeAPIError(resp.StatusCode, raw)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s response: %w", req.service, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", req.service, err)
	}
	return resp.StatusCode, nil
}
