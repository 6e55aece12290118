// Package apiclient is the JSON-over-HTTP transport shared by the remote
// classifier, the scoring and alert clients, and the MCP tools. It classifies
// failures: network errors, timeouts, 429 and 5xx are transient; other 4xx
// are returned as *Error and are not retried.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/fraudwatch/internal/retry"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 4 << 20

// Error is a non-2xx response decoded from the shared error payload
// {"error": class, "kind": kind, "message": msg}.
type Error struct {
	Status  int
	Class   string
	Kind    string
	Message string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Kind != "" {
		return fmt.Sprintf("API error (%d %s/%s): %s", e.Status, e.Class, e.Kind, msg)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, msg)
}

// Client talks to one base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client. timeout bounds each HTTP exchange; callers layer a
// retry.Policy on top for multiple attempts.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends body (if non-nil) as JSON and decodes a 2xx response into out (if non-nil).
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	op := method + " " + path
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Transient(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return retry.Transient(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		var payload struct {
			Error   string `json:"error"`
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &payload) == nil {
			apiErr.Class, apiErr.Kind, apiErr.Message = payload.Error, payload.Kind, payload.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.Transient(op, apiErr)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", op, err)
	}
	return nil
}
