package classifier

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mbd888/fraudwatch/internal/apiclient"
	"github.com/mbd888/fraudwatch/internal/feature"
	"github.com/mbd888/fraudwatch/internal/retry"
)

// RemoteModel scores vectors against a classifier served over HTTP (see
// Handler). The column layout is fetched once at construction.
type RemoteModel struct {
	client  *apiclient.Client
	policy  retry.Policy
	columns []string
}

// ModelInfo is the GET /model payload.
type ModelInfo struct {
	Kind    string   `json:"kind"`
	Columns []string `json:"columns"`
}

// ScoreRequest is the POST /score payload.
type ScoreRequest struct {
	Columns  []string  `json:"columns"`
	Features []float64 `json:"features"`
}

// ScoreResponse is the POST /score reply.
type ScoreResponse struct {
	Probability float64 `json:"probability"`
}

// NewRemoteModel connects to baseURL and reads its column layout.
func NewRemoteModel(ctx context.Context, baseURL string, timeout time.Duration, policy retry.Policy) (*RemoteModel, error) {
	m := &RemoteModel{client: apiclient.New(baseURL, timeout), policy: policy}

	var info ModelInfo
	err := policy.Do(ctx, func(ctx context.Context) error {
		return m.client.Do(ctx, http.MethodGet, "/model", nil, nil, &info)
	})
	if err != nil {
		return nil, fmt.Errorf("remote classifier %s: %w", baseURL, err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("remote classifier %s reported no columns", baseURL)
	}
	m.columns = info.Columns
	return m, nil
}

func (m *RemoteModel) Columns() []string { return m.columns }

// Predict posts the vector with its column names so the server can reject a
// layout mismatch. 4xx replies become ScoringError; everything else retryable
// is retried under the policy and returned as transient once exhausted.
func (m *RemoteModel) Predict(ctx context.Context, v feature.Vector) (float64, error) {
	var resp ScoreResponse
	err := m.policy.Do(ctx, func(ctx context.Context) error {
		return m.client.Do(ctx, http.MethodPost, "/score", nil, ScoreRequest{Columns: m.columns, Features: v}, &resp)
	})
	if err != nil {
		if retry.IsTransient(err) {
			return 0, err
		}
		return 0, &ScoringError{Reason: "remote classifier: " + err.Error()}
	}
	return resp.Probability, nil
}
