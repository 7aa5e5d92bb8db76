// internal/common/http/client.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"comfy-executors/internal/common/logger"
)

// maxErrorBody bounds how much of a failed response is kept in StatusError.
const maxErrorBody = 4096

// Client is a JSON-oriented HTTP client rooted at a base URL. Connection
// errors, 429 and 5xx responses are retried with exponential backoff.
type Client struct {
	rc      *retryablehttp.Client
	baseURL string
	header  http.Header
}

type Option func(*Client)

// WithBearerToken sends "Authorization: Bearer <token>" on every request.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

// WithRetries sets the retry budget and the backoff bounds.
func WithRetries(max int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.rc.RetryMax = max
		c.rc.RetryWaitMin = waitMin
		c.rc.RetryWaitMax = waitMax
	}
}

func WithLogger(log logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.rc.Logger = logger.Leveled{Logger: log}
		}
	}
}

func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = timeout
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	// Hand the final response back instead of retryablehttp's generic
	// "giving up" error so callers can read the body.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		rc:      rc,
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the root every request path is resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// StatusCode extracts the HTTP status from a StatusError, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Do sends body (may be nil) to path and returns the response body. A
// non-2xx status yields a *StatusError carrying the body.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, header http.Header) ([]byte, error) {
	var reader interface{}
	if body != nil {
		reader = body
	}

	url := c.resolve(path)
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.rc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: data}
	}
	return data, nil
}

// GetJSON fetches path and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) error {
	data, err := c.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	return decode(data, out)
}

// PostJSON encodes in as the request body and decodes the response into
// out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	data, err := c.Do(ctx, http.MethodPost, path, payload, header)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(data, out)
}

// Post sends a raw body with the given content type.
func (c *Client) Post(ctx context.Context, path, contentType string, body []byte) ([]byte, error) {
	return c.Do(ctx, http.MethodPost, path, body, http.Header{"Content-Type": []string{contentType}})
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func decode(data []byte, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
