// Package rest is the request pipeline: every outbound call is mapped to a
// bucket key, admitted through the bucket store, sent, and the store is then
// refreshed from the response headers. 429s are retried after the server's
// delay up to a fixed ceiling; network failures are retried with capped
// backoff for idempotent methods only.
package rest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"discord-gateway-core/internal/backoff"
	"discord-gateway-core/internal/errs"
	"discord-gateway-core/internal/logging"
	"discord-gateway-core/internal/metrics"
	"discord-gateway-core/internal/ratelimit"
)

// Config for the request pipeline.
type Config struct {
	Token               string
	BaseURL             string
	UserAgent           string
	MaxRateLimitRetries int           // 429 retries before surfacing RateLimited
	MaxRetries          int           // network retries for idempotent methods
	Timeout             time.Duration // per attempt
	Backoff             backoff.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:             strings.TrimSuffix(discordgo.EndpointAPI, "/"),
		UserAgent:           "DiscordBot (discord-gateway-core, 1.0)",
		MaxRateLimitRetries: 3,
		MaxRetries:          3,
		Timeout:             15 * time.Second,
		Backoff:             backoff.REST(),
	}
}

// Request is one call through the pipeline.
type Request struct {
	Route   Route
	Query   url.Values
	Body    any // JSON-encoded; []byte is sent verbatim
	Header  http.Header
	Reason  string // audit log reason
	NoAuth  bool
	Retries *int // overrides Config.MaxRateLimitRetries
}

// Response is a successful (2xx) result.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client executes requests while honouring per-bucket and global limits.
type Client struct {
	cfg     Config
	http    *http.Client
	buckets *ratelimit.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}
func WithBuckets(s *ratelimit.Store) Option { return func(c *Client) { c.buckets = s } }

// New creates a request pipeline. Zero config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxRateLimitRetries < 0 {
		cfg.MaxRateLimitRetries = 0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff = def.Backoff
	}

	c := &Client{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.OrNop(c.log).Named("rest")
	if c.buckets == nil {
		c.buckets = ratelimit.NewStore()
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: &metrics.Transport{Base: http.DefaultTransport, Metrics: c.metrics},
			Timeout:   cfg.Timeout,
		}
	}
	return c
}

// Buckets exposes the bucket store for inspection.
func (c *Client) Buckets() *ratelimit.Store { return c.buckets }

type apiError struct {
	Code       int     `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// Do sends req and returns the 2xx response, or a typed error: RESTError for
// other statuses, RateLimited past the retry ceiling, TransportError for
// network failures, or the context's error when the caller gave up.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	routeKey := req.Route.Key()
	major := req.Route.Major()
	path := req.Route.Path()
	maxRL := c.cfg.MaxRateLimitRetries
	if req.Retries != nil {
		maxRL = *req.Retries
	}

	var rlAttempts, netAttempts int
	for {
		key := c.buckets.Key(routeKey, major)
		waited, err := c.buckets.Acquire(ctx, key)
		c.metrics.Waited(waited)
		if err != nil {
			return nil, err
		}

		httpReq, err := c.newHTTPRequest(ctx, req, path, body, contentType)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(httpReq)
		var data []byte
		if err == nil {
			data, err = io.ReadAll(resp.Body)
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			terr := &errs.TransportError{Op: req.Route.String(), Err: err}
			if !Idempotent(req.Route.Method) || netAttempts >= c.cfg.MaxRetries {
				return nil, terr
			}
			delay := c.cfg.Backoff.Delay(netAttempts)
			netAttempts++
			c.log.Debug("retrying after network failure",
				zap.String("route", routeKey), zap.Int("attempt", netAttempts), zap.Duration("delay", delay), zap.Error(err))
			if err := backoff.Sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		info := ratelimit.ParseHeaders(resp.Header, c.now())
		if info.Bucket != "" {
			c.buckets.Alias(routeKey, info.Bucket)
			key = c.buckets.Key(routeKey, major)
		}
		c.buckets.Update(key, info)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			var ae apiError
			_ = json.Unmarshal(data, &ae)
			retryAfter := retryDelay(ae, info)
			global := ae.Global || info.Global || info.Scope == "global"
			c.buckets.Limited(key, retryAfter, global)

			scope := "bucket"
			if global {
				scope = "global"
			} else if info.Scope == "shared" {
				scope = "shared"
			}
			c.metrics.RateLimited(scope)

			rlAttempts++
			if rlAttempts > maxRL {
				return nil, &errs.RateLimited{Bucket: key, RetryAfter: retryAfter, Global: global, Attempts: rlAttempts}
			}
			c.log.Warn("rate limited",
				zap.String("bucket", key), zap.String("scope", scope),
				zap.Duration("retry_after", retryAfter), zap.Int("attempt", rlAttempts))

		case resp.StatusCode >= 500 && Idempotent(req.Route.Method) && netAttempts < c.cfg.MaxRetries:
			delay := c.cfg.Backoff.Delay(netAttempts)
			netAttempts++
			c.log.Debug("retrying after server error",
				zap.String("route", routeKey), zap.Int("status", resp.StatusCode), zap.Duration("delay", delay))
			if err := backoff.Sleep(ctx, delay); err != nil {
				return nil, err
			}

		default:
			var ae apiError
			_ = json.Unmarshal(data, &ae)
			return nil, &errs.RESTError{
				Method:  req.Route.Method,
				URL:     path,
				Status:  resp.StatusCode,
				Code:    ae.Code,
				Message: ae.Message,
				Body:    data,
			}
		}
	}
}

// DoJSON sends req and decodes the response body into out.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &errs.ProtocolError{Reason: "decode " + req.Route.Key(), Err: err}
	}
	return nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req Request, path string, body []byte, contentType string) (*http.Request, error) {
	u := c.cfg.BaseURL + path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Route.Method, u, rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if !req.NoAuth && c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", authorization(c.cfg.Token))
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.Reason != "" {
		httpReq.Header.Set("X-Audit-Log-Reason", url.PathEscape(req.Reason))
	}
	return httpReq, nil
}

func encodeBody(b any) ([]byte, string, error) {
	switch v := b.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return v, "application/json", nil
	case json.RawMessage:
		return v, "application/json", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	}
}

func authorization(token string) string {
	if strings.HasPrefix(token, "Bot ") || strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bot " + token
}

func retryDelay(ae apiError, info ratelimit.Info) time.Duration {
	switch {
	case ae.RetryAfter > 0:
		return time.Duration(ae.RetryAfter * float64(time.Second))
	case info.RetryAfter > 0:
		return info.RetryAfter
	case info.ResetAfter > 0:
		return info.ResetAfter
	default:
		return time.Second
	}
}

// Idempotent reports whether a method may be retried after a network failure.
func Idempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// IsRateLimited reports whether err is a surfaced 429.
func IsRateLimited(err error) bool {
	var rl *errs.RateLimited
	return errors.As(err, &rl)
}
