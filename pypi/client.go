// Package pypi is a small client for the Python Package Index: the JSON
// metadata API and the HTML search page.
package pypi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/martinemde/av/plan"
)

const (
	DefaultBaseURL   = "https://pypi.org"
	DefaultTimeout   = 10 * time.Second
	DefaultCacheSize = 256
	DefaultUserAgent = "av-dependency-planner/0.1"

	maxBodyBytes = 8 << 20
)

// Client talks to a PyPI-compatible index.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	logger     *zap.Logger

	info   *lru.Cache[string, *PackageInfo]
	search *lru.Cache[string, []SearchResult]
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different index.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithCacheSize sets the number of cached responses per kind.
func WithCacheSize(n int) Option {
	return func(c *Client) {
		if n <= 0 {
			n = DefaultCacheSize
		}
		c.info, _ = lru.New[string, *PackageInfo](n)
		c.search, _ = lru.New[string, []SearchResult](n)
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		userAgent:  DefaultUserAgent,
		logger:     zap.NewNop(),
	}
	WithCacheSize(DefaultCacheSize)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PackageInfo fetches metadata for name. An empty version means the latest
// release. Returns ErrNotFound on 404.
func (c *Client) PackageInfo(ctx context.Context, name, version string) (*PackageInfo, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("package name is required")
	}
	key := plan.NormalizeKey(name) + "@" + strings.TrimSpace(version)
	if info, ok := c.info.Get(key); ok {
		return info, nil
	}

	path := "/pypi/" + url.PathEscape(name) + "/json"
	if version != "" {
		path = "/pypi/" + url.PathEscape(name) + "/" + url.PathEscape(version) + "/json"
	}

	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var doc projectDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", name, err)
	}
	if doc.Info.Name == "" {
		return nil, fmt.Errorf("metadata for %s has no name", name)
	}

	info := doc.toInfo()
	c.info.Add(key, info)
	return info, nil
}

// Resolve returns the canonical project name, satisfying plan.Resolver.
// A missing project yields an error matching both ErrNotFound and
// plan.ErrNotFound.
func (c *Client) Resolve(ctx context.Context, name string) (string, error) {
	info, err := c.PackageInfo(ctx, name, "")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: %w", plan.ErrNotFound, err)
		}
		return "", err
	}
	return info.Name, nil
}

// Search queries the index search page and returns up to limit results in
// rank order.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search query is required")
	}
	if limit <= 0 {
		limit = 10
	}
	key := strings.ToLower(query)

	results, ok := c.search.Get(key)
	if !ok {
		body, err := c.get(ctx, "/search/?q="+url.QueryEscape(query))
		if err != nil {
			return nil, err
		}
		results = parseSearchResults(body)
		c.search.Add(key, results)
	}

	if len(results) > limit {
		results = results[:limit]
	}
	return append([]SearchResult(nil), results...), nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("index request",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{Path: path}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Path: path, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return body, nil
}

// NotFoundError reports a 404 from the index. It matches ErrNotFound.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s: %s", e.Path, ErrNotFound) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StatusError reports any other non-2xx status.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Path, e.StatusCode)
}
