// Package api is a thin client for the generation service's HTTP API.
//
// It covers the two calls the correlator consumes: submitting a batch
// (GenerateAsync), whose job ids feed StartBatch, and reading a
// conversation (GetConversation), whose requests become history batches.
package api

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

	"github.com/pithecene-io/genstream/iox"
)

// DefaultTimeout is the per-request timeout.
const DefaultTimeout = 30 * time.Second

// maxBodySize bounds response bodies read into memory.
const maxBodySize = 8 << 20

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, e.g. "https://api.example.com/generation-service".
	BaseURL string
	// Token, if set, is sent as "Authorization: Bearer <token>".
	Token string
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
}

// Client calls the generation service.
type Client struct {
	config Config
	http   *http.Client
}

// New creates a client. BaseURL must be an absolute http(s) URL.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("api: invalid base URL %q", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Message string
	Code    string
	Details any
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// IsAPIError reports whether err is an *APIError.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// errorBody is the service's error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details"`
}

// do sends a request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("api: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer iox.DrainClose(resp.Body)

	data, err := iox.ReadAllLimit(resp.Body, maxBodySize)
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			if eb.Error != "" {
				apiErr.Message = eb.Error
			}
			apiErr.Code = eb.Code
			apiErr.Details = eb.Details
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
