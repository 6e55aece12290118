package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/fraudwatch/internal/apiclient"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

// Client calls a remote alert boundary. Unreachable servers, timeouts and
// 5xx replies come back as retry.TransientError.
type Client struct {
	api *apiclient.Client
}

// NewClient creates an alert client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{api: apiclient.New(baseURL, timeout)}
}

// BaseURL returns the remote alert service URL.
func (c *Client) BaseURL() string { return c.api.BaseURL() }

// Append submits a candidate alert. created is false when the server
// treated it as a duplicate.
func (c *Client) Append(ctx context.Context, txn transaction.Record, pred scoring.Prediction) (*Alert, bool, error) {
	raw, err := json.Marshal(txn)
	if err != nil {
		return nil, false, fmt.Errorf("encode transaction: %w", err)
	}
	var resp AppendResponse
	if err := c.api.Do(ctx, http.MethodPost, "/alert", nil, AppendRequest{Transaction: raw, Prediction: pred}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Alert, resp.Status == "alert_created", nil
}

// Recent lists up to limit of the newest alerts, oldest first.
func (c *Client) Recent(ctx context.Context, limit int) ([]*Alert, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	var resp RecentResponse
	if err := c.api.Do(ctx, http.MethodGet, "/alerts/recent", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// Summary returns the remote alert counts.
func (c *Client) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	err := c.api.Do(ctx, http.MethodGet, "/alerts/summary", nil, nil, &sum)
	return sum, err
}

// Health reports whether the remote alert store accepts writes.
func (c *Client) Health(ctx context.Context) error {
	return c.api.Do(ctx, http.MethodGet, "/alerts/health", nil, nil, nil)
}
