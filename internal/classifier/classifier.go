// Package classifier wraps a trained fraud model and owns the mapping from
// fraud probability to risk tier and fraud flag.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/mbd888/fraudwatch/internal/feature"
	"github.com/mbd888/fraudwatch/internal/retry"
)

// Tier is a risk level derived from fraud probability.
type Tier string

const (
	TierLow    Tier = "LOW"
	TierMedium Tier = "MEDIUM"
	TierHigh   Tier = "HIGH"
)

// Tier boundaries and the fraud cut-off.
const (
	MediumThreshold = 0.3
	HighThreshold   = 0.7
	FraudThreshold  = 0.5
)

// TierFor maps a probability to its tier: [0, 0.3) LOW, [0.3, 0.7) MEDIUM,
// [0.7, 1] HIGH.
func TierFor(p float64) Tier {
	switch {
	case p < MediumThreshold:
		return TierLow
	case p < HighThreshold:
		return TierMedium
	default:
		return TierHigh
	}
}

// IsFraud reports whether p crosses the fraud cut-off (strictly greater than 0.5).
func IsFraud(p float64) bool {
	return p > FraudThreshold
}

// ScoringError reports a shape mismatch between a feature vector and the
// model, or a model output outside [0, 1]. It is never retried.
type ScoringError struct {
	Reason string
}

func (e *ScoringError) Error() string { return "scoring: " + e.Reason }

// IsScoringError reports whether err is or wraps a ScoringError.
func IsScoringError(err error) bool {
	var se *ScoringError
	return errors.As(err, &se)
}

// Model is a trained binary classifier over a fixed column layout.
type Model interface {
	// Columns is the feature layout the model was trained on.
	Columns() []string
	// Predict returns the probability of the fraud class.
	Predict(ctx context.Context, v feature.Vector) (float64, error)
}

// Result is the classifier output for one vector.
type Result struct {
	Probability float64
	IsFraud     bool
	RiskLevel   Tier
}

// Classifier is the read-only scoring front of a Model; safe for concurrent use.
type Classifier struct {
	model   Model
	columns []string
}

// New wraps model.
func New(model Model) *Classifier {
	return &Classifier{model: model, columns: slices.Clone(model.Columns())}
}

// Columns returns the layout the wrapped model expects.
func (c *Classifier) Columns() []string { return slices.Clone(c.columns) }

// Score classifies one vector. A length mismatch or an invalid model output
// is a ScoringError; transient failures of a remote model are passed through.
func (c *Classifier) Score(ctx context.Context, v feature.Vector) (Result, error) {
	if len(v) != len(c.columns) {
		return Result{}, &ScoringError{Reason: fmt.Sprintf("vector has %d features, model expects %d", len(v), len(c.columns))}
	}
	p, err := c.model.Predict(ctx, v)
	if err != nil {
		if retry.IsTransient(err) || IsScoringError(err) {
			return Result{}, err
		}
		return Result{}, &ScoringError{Reason: err.Error()}
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return Result{}, &ScoringError{Reason: fmt.Sprintf("model returned probability %v outside [0, 1]", p)}
	}
	return Result{Probability: p, IsFraud: IsFraud(p), RiskLevel: TierFor(p)}, nil
}
