// Package trigger is the request/response relay that initiates backend
// work. It carries no retry or backoff policy: interpreting status codes
// and deciding on retries belongs to the caller.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Response is the raw relay result. Non-2xx statuses are not errors here;
// the error return is reserved for transport failure.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

type Client struct {
	rc  *resty.Client
	log *zap.Logger
}

type Option func(*Client)

// WithTimeout bounds each invocation at the transport level.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.rc.SetTimeout(d)
		}
	}
}

// WithHeader sets a header sent on every invocation.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.rc.SetHeader(key, value) }
}

func New(baseURL string, log *zap.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("base url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		rc:  resty.New().SetBaseURL(baseURL).SetRetryCount(0),
		log: log.Named("trigger"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Invoke relays one HTTP call. body may be nil; a non-nil body is sent as
// JSON unless a Content-Type header says otherwise.
func (c *Client) Invoke(ctx context.Context, method, path string, body any, headers map[string]string) (*Response, error) {
	req := c.rc.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if len(headers) > 0 {
		req.SetHeaders(headers)
	}
	resp, err := req.Execute(strings.ToUpper(method), path)
	if err != nil {
		return nil, fmt.Errorf("invoke %s %s: %w", method, path, err)
	}
	c.log.Debug("invoked",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", resp.Time()))
	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       resp.Body(),
		Header:     resp.Header(),
	}, nil
}
