package mcpserver

import (
	"context"
	"time"

	"github.com/mbd888/fraudwatch/internal/alerts"
	"github.com/mbd888/fraudwatch/internal/scoring"
)

// Config holds the addresses of the services the tools call.
type Config struct {
	ScoringURL string        // e.g. "http://localhost:8080"
	AlertsURL  string        // usually the same server as ScoringURL
	Timeout    time.Duration // per HTTP exchange
}

// Scorer is the scoring side of the backend.
type Scorer interface {
	PredictRaw(ctx context.Context, payload any) (scoring.Prediction, error)
	Health(ctx context.Context) (map[string]any, error)
}

// AlertReader is the alert side of the backend.
type AlertReader interface {
	Recent(ctx context.Context, limit int) ([]*alerts.Alert, error)
	Summary(ctx context.Context) (alerts.Summary, error)
	Health(ctx context.Context) error
}

// Backend bundles the remote services.
type Backend struct {
	Scoring Scorer
	Alerts  AlertReader
}

// NewBackend creates HTTP clients for cfg. An empty AlertsURL reuses ScoringURL.
func NewBackend(cfg Config) Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AlertsURL == "" {
		cfg.AlertsURL = cfg.ScoringURL
	}
	return Backend{
		Scoring: scoring.NewClient(cfg.ScoringURL, cfg.Timeout),
		Alerts:  alerts.NewClient(cfg.AlertsURL, cfg.Timeout),
	}
}
