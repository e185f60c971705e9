// Package ai talks to the external inference service that analyzes sessions.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 512
	defaultMaxBody     = 64 << 20
)

var (
	ErrUnavailable = errors.New("ai service unavailable")
	ErrNotFound    = errors.New("not found at ai service")
)

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ai %s: http %d: %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
}

// Is lets callers test a StatusError against ErrNotFound or ErrUnavailable.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnavailable:
		return e.StatusCode != http.StatusNotFound
	}
	return false
}

// Client wraps the inference service HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxBody    int64
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

// WithMaxResponseBytes caps how much of a successful response is read.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		maxBody:    defaultMaxBody,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service root the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Analyze asks the service to start work on a session. Any 2xx answer counts
// as accepted; a body that is not a JSON object yields a nil map.
func (c *Client) Analyze(ctx context.Context, sessionID int64) (map[string]any, error) {
	raw, err := c.do(ctx, "analyze", http.MethodPost, "/analyze/"+strconv.FormatInt(sessionID, 10), []byte("{}"))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if json.Unmarshal(raw, &out) != nil {
		return nil, nil
	}
	return out, nil
}

// Results returns the raw results document for a session.
func (c *Client) Results(ctx context.Context, sessionID int64) (json.RawMessage, error) {
	raw, err := c.do(ctx, "results", http.MethodGet, "/results/"+strconv.FormatInt(sessionID, 10), nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("ai results: %w: response is not JSON", ErrUnavailable)
	}
	return json.RawMessage(raw), nil
}

// Status returns the service's status document for a session.
func (c *Client) Status(ctx context.Context, sessionID int64) (map[string]any, error) {
	return c.getObject(ctx, "status", "/status/"+strconv.FormatInt(sessionID, 10))
}

// SegmentationStatus returns the segmentation progress document for a session.
func (c *Client) SegmentationStatus(ctx context.Context, sessionID int64) (map[string]any, error) {
	return c.getObject(ctx, "segmentation status", "/segmentation-status/"+strconv.FormatInt(sessionID, 10))
}

// Health returns the service health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	return c.getObject(ctx, "health", "/health")
}

func (c *Client) getObject(ctx context.Context, op, path string) (map[string]any, error) {
	raw, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("ai %s: %w: decode response: %v", op, ErrUnavailable, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("ai %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai %s: %w: %v", op, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("ai %s: %w: read body: %v", op, ErrUnavailable, err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("ai %s: %w: response exceeds %d bytes", op, ErrUnavailable, c.maxBody)
	}
	return data, nil
}
