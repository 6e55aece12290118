package scoring

import (
	"context"
	"net/http"
	"time"

	"github.com/mbd888/fraudwatch/internal/apiclient"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

// Client calls a remote scoring boundary.
type Client struct {
	api *apiclient.Client
}

// NewClient creates a scoring client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{api: apiclient.New(baseURL, timeout)}
}

// Predict scores one transaction.
func (c *Client) Predict(ctx context.Context, rec transaction.Record) (Prediction, error) {
	var pred Prediction
	err := c.api.Do(ctx, http.MethodPost, "/predict", nil, rec, &pred)
	return pred, err
}

// PredictRaw scores an arbitrary JSON payload, for callers that forward
// unvalidated input.
func (c *Client) PredictRaw(ctx context.Context, payload any) (Prediction, error) {
	var pred Prediction
	err := c.api.Do(ctx, http.MethodPost, "/predict", nil, payload, &pred)
	return pred, err
}

// BatchPredict scores a list of transactions.
func (c *Client) BatchPredict(ctx context.Context, recs []transaction.Record) ([]Prediction, error) {
	var preds []Prediction
	err := c.api.Do(ctx, http.MethodPost, "/batch-predict", nil, recs, &preds)
	return preds, err
}

// Health reports the remote health payload.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.api.Do(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}
