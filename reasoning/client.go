package reasoning

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ProviderAdapter sends one blocking completion to a single provider.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// CompleteFunc is the signature shared by adapters and middleware links.
type CompleteFunc func(ctx context.Context, req Request) (*Response, error)

// Middleware wraps the call to the next link in the chain.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// Client picks a provider for each request and runs it through the
// middleware chain. It is immutable after NewClient and safe for concurrent
// use.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers adapter under name.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.providers[name] = adapter }
}

// WithDefaultProvider names the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithMiddleware appends middleware. The first one added is outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// NewClient creates a Client. With a single registered provider and no
// explicit default, that provider becomes the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: map[string]ProviderAdapter{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

func chain(mw Middleware, next CompleteFunc) CompleteFunc {
	return func(ctx context.Context, req Request) (*Response, error) {
		return mw(ctx, req, next)
	}
}

// route resolves the adapter for req: its own provider, then the client
// default, then the model catalog.
func (c *Client) route(req Request) (ProviderAdapter, error) {
	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("no provider for model %q", req.Model)}}
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("provider %q is not registered", name)}}
	}
	return adapter, nil
}

// Complete routes req and sends it through the middleware chain.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.route(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	call := CompleteFunc(adapter.Complete)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		call = chain(c.middleware[i], call)
	}
	return call(ctx, req)
}

// LoggingMiddleware logs each completion at debug and each failure at warn.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		fields := []zap.Field{
			zap.String("provider", req.Provider),
			zap.String("model", req.Model),
			zap.Int("messages", len(req.Messages)),
			zap.Int("tools", len(req.Tools)),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			logger.Warn("backend call failed", append(fields, zap.Error(err))...)
			return nil, err
		}
		logger.Debug("backend call", append(fields,
			zap.String("finish_reason", resp.FinishReason),
			zap.Int("tool_calls", len(resp.ToolCalls)),
			zap.Int("output_tokens", resp.Usage.OutputTokens),
		)...)
		return resp, nil
	}
}
