// Package http is the authenticated request layer for the educonnect REST services.
//
// Every request carries the stored access token. A 401 triggers one shared credential
// refresh and exactly one retry of the request; any other failure is returned as a
// classified *core.APIError without retrying.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"educonnect/internal/metrics"
	"educonnect/internal/ratelimit"
	"educonnect/pkg/core"
	"educonnect/pkg/credentials"
)

// Authenticator recovers from rejected credentials.
type Authenticator interface {
	// EnsureFresh returns credentials newer than stale, refreshing them if needed. Concurrent
	// callers share one refresh.
	EnsureFresh(ctx context.Context, stale string) (credentials.Tokens, error)
	// Invalidate clears the credentials after they were rejected again and returns the
	// session-lost error to report.
	Invalidate(ctx context.Context, cause error) error
}

type Config struct {
	Service string            `validate:"required"`
	BaseURL string            `validate:"required,url"`
	Timeout time.Duration     `validate:"min=1ms"`
	Headers map[string]string `validate:"omitempty"`
	// RefreshSkew refreshes an access token this long before it expires instead of sending
	// a request that is bound to be rejected.
	RefreshSkew time.Duration `validate:"min=0"`
}

// errStreamBody is returned for io.Reader bodies, which cannot be resent after a refresh.
var errStreamBody = errors.New("request body must be a value, not an io.Reader")

type Option func(*Client)

// WithAuthenticator enables refresh-and-retry on 401 responses.
func WithAuthenticator(a Authenticator) Option {
	return func(c *Client) {
		c.auth = a
	}
}

// WithRateLimiter makes every request wait for the service's bucket.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client sends requests to one backend service.
type Client struct {
	service string
	skew    time.Duration
	client  *resty.Client
	store   credentials.Store
	auth    Authenticator
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewClient(config *Config, store credentials.Store, opts ...Option) (*Client, error) {
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		service: config.Service,
		skew:    config.RefreshSkew,
		store:   store,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.client = NewResty(config.BaseURL, config.Timeout, &c.logger)
	for k, v := range config.Headers {
		c.client.SetHeader(k, v)
	}
	return c, nil
}

// SetLogger configures the logger. It must be called before the client is used.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger.With().Str("service", c.service).Logger()
}

// Service returns the name of the backend this client talks to.
func (c *Client) Service() string {
	return c.service
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

// Do executes req. A successful JSON body is decoded into req.Result when set.
//
// The body is encoded again if the request is retried, so it must be a value such as a
// struct, map or byte slice. io.Reader bodies are rejected.
func (c *Client) Do(ctx context.Context, req *core.Request) (*Response, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, core.ErrClientClosed
	}
	if _, ok := req.Body.(io.Reader); ok {
		return nil, errStreamBody
	}
	return c.do(ctx, req, false)
}

func (c *Client) do(ctx context.Context, req *core.Request, retried bool) (*Response, error) {
	tokens, err := c.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if c.auth != nil && !retried && tokens.ExpiresWithin(time.Now(), c.skew) {
		c.logger.Debug().Str("path", req.Path).Msg("access token about to expire, refreshing")
		if tokens, err = c.auth.EnsureFresh(ctx, tokens.AccessToken); err != nil {
			return nil, err
		}
	}

	resp, err := c.send(ctx, req, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	status := resp.StatusCode()
	if status == http.StatusUnauthorized && c.auth != nil {
		rejected := core.NewAPIError(c.service, core.ErrorTypeAuthentication, status, ErrorMessage(status, resp.Bytes()))
		if retried {
			c.logger.Warn().Str("path", req.Path).Msg("credentials rejected after refresh")
			return nil, c.auth.Invalidate(ctx, rejected)
		}

		c.logger.Debug().Str("path", req.Path).Msg("credentials rejected, refreshing")
		if _, err := c.auth.EnsureFresh(ctx, tokens.AccessToken); err != nil {
			return nil, err
		}
		c.metrics.RequestRetried(c.service)
		return c.do(ctx, req.Clone(), true)
	}

	if err := Classify(c.service, resp, nil); err != nil {
		return nil, err
	}

	body := resp.Bytes()
	if req.Result != nil && len(body) > 0 {
		if err := sonic.Unmarshal(body, req.Result); err != nil {
			return nil, fmt.Errorf("decode %s %s response: %w", req.Method, req.Path, err)
		}
	}
	return &Response{
		StatusCode: status,
		Body:       body,
		Headers:    flattenHeaders(resp.Header()),
	}, nil
}

// send issues one HTTP exchange. Only transport failures are returned as errors.
func (c *Client) send(ctx context.Context, req *core.Request, accessToken string) (*resty.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.service); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	r := c.client.R().SetContext(ctx)
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	if accessToken != "" {
		r.SetHeader("Authorization", "Bearer "+accessToken)
	}
	if len(req.Query) > 0 {
		r.SetQueryParams(paramsToStringMap(req.Query))
	}
	if req.Body != nil {
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(req.Body)
	}

	start := time.Now()
	var resp *resty.Response
	var err error

	switch req.Method {
	case http.MethodGet:
		resp, err = r.Get(req.Path)
	case http.MethodPost:
		resp, err = r.Post(req.Path)
	case http.MethodPut:
		resp, err = r.Put(req.Path)
	case http.MethodPatch:
		resp, err = r.Patch(req.Path)
	case http.MethodDelete:
		resp, err = r.Delete(req.Path)
	default:
		return nil, fmt.Errorf("unsupported http method: %s", req.Method)
	}

	if err != nil {
		c.metrics.RequestFinished(c.service, 0, time.Since(start).Seconds())
		c.logger.Error().Err(err).
			Str("method", req.Method).
			Str("path", req.Path).
			Msg("http request failed")
		return nil, Classify(c.service, nil, err)
	}
	c.metrics.RequestFinished(c.service, resp.StatusCode(), time.Since(start).Seconds())
	return resp, nil
}

// Get performs a GET request and decodes the response into result when non-nil.
func (c *Client) Get(ctx context.Context, path string, query core.Params, result any) (*Response, error) {
	req := core.Get(path).SetResult(result)
	if query != nil {
		req.SetQueryParams(query)
	}
	return c.Do(ctx, req)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, result any) (*Response, error) {
	return c.Do(ctx, core.Post(path, body).SetResult(result))
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, result any) (*Response, error) {
	return c.Do(ctx, core.NewRequest(http.MethodPut, path).SetBody(body).SetResult(result))
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, result any) (*Response, error) {
	return c.Do(ctx, core.NewRequest(http.MethodPatch, path).SetBody(body).SetResult(result))
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, core.NewRequest(http.MethodDelete, path))
}
