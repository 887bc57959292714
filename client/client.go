// Package client provides a Go client for a remote engine instance over
// its HTTP API.
//
// Usage:
//
//	c, err := client.New("https://api.example.com",
//	    client.WithToken("sk_..."),
//	)
//
//	// Submit an image and wait for the extraction result.
//	res, err := c.Ingest(ctx, "ptn_receipt", client.IngestRequest{
//	    ImageURL: "https://example.com/receipt.png",
//	})
//	j, err := c.Wait(ctx, res.Job.ID)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client talks to a remote engine server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a structured error response from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// RetryAfter is populated on rate-limit denials.
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("client: %d %s: %s", e.Status, e.Code, e.Message)
}

// RateLimit is the admission state reported in response headers.
type RateLimit struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// do sends a request and decodes the data envelope into out. A non-2xx
// response is returned as an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

// send finishes a prepared request: auth header, envelope decoding,
// error mapping.
func (c *Client) send(req *http.Request, out any) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp, fmt.Errorf("client: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return resp, decodeAPIError(resp, raw)
	}
	if out == nil || len(raw) == 0 {
		return resp, nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return resp, fmt.Errorf("client: decode envelope: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return resp, fmt.Errorf("client: decode response: %w", err)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response, raw []byte) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		//nolint:errcheck // a malformed error body still yields the status code
		json.Unmarshal(envelope.Error, apiErr)
	}
	if apiErr.Code == "" {
		apiErr.Code = "http_error"
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

func rateLimitFrom(resp *http.Response) RateLimit {
	var rl RateLimit
	rl.Limit, _ = strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	rl.Remaining, _ = strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	if unix, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		rl.Reset = time.Unix(unix, 0).UTC()
	}
	return rl
}

// Health reports whether the server and its store are reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	return err
}
