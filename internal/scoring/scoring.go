// Package scoring drives a transaction through the feature transformer and
// the risk classifier. An Engine is built once at startup from the frozen
// encoding state and the model artifact and is passed to every caller; it
// holds no per-request state.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/fraudwatch/internal/classifier"
	"github.com/mbd888/fraudwatch/internal/feature"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/syncutil"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

// Error kinds carried on failed predictions and HTTP error payloads.
const (
	KindSchema    = "schema"
	KindScoring   = "scoring"
	KindTransient = "transient"
	KindInternal  = "internal"
)

// Error classes for HTTP error payloads.
const (
	ClassBadInput        = "bad_input"
	ClassServiceDegraded = "service_degraded"
)

// Prediction is the scored result for one transaction. A failed record is
// reported as a Prediction with probability 0, LOW and a non-empty Error.
type Prediction struct {
	TransactionID    string          `json:"transaction_id"`
	FraudProbability float64         `json:"fraud_probability"`
	IsFraud          bool            `json:"is_fraud"`
	RiskLevel        classifier.Tier `json:"risk_level"`
	Error            string          `json:"error,omitempty"`
	ErrorKind        string          `json:"error_kind,omitempty"`
}

// Failed reports whether p is a failure marker.
func (p Prediction) Failed() bool { return p.Error != "" }

// Failed builds the failure marker for a record that could not be scored.
func Failed(transactionID string, err error) Prediction {
	return Prediction{
		TransactionID:    transactionID,
		FraudProbability: 0,
		IsFraud:          false,
		RiskLevel:        classifier.TierLow,
		Error:            err.Error(),
		ErrorKind:        ErrorKind(err),
	}
}

// ErrorKind classifies a scoring failure.
func ErrorKind(err error) string {
	switch {
	case transaction.IsSchemaError(err):
		return KindSchema
	case classifier.IsScoringError(err):
		return KindScoring
	case retry.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindInternal
	}
}

// ErrorClass maps an error to the bad_input / service_degraded split used in
// HTTP error payloads.
func ErrorClass(err error) string {
	switch ErrorKind(err) {
	case KindSchema, KindScoring:
		return ClassBadInput
	default:
		return ClassServiceDegraded
	}
}

// Outcome is the per-record result of scoring a raw payload. Record is the
// zero value when decoding failed.
type Outcome struct {
	Raw        json.RawMessage
	Record     transaction.Record
	Prediction Prediction
	Err        error
}

// Engine couples an EncodingState with a classifier whose column layout
// matches it. Both are read-only; an Engine is safe for concurrent use.
type Engine struct {
	state      *feature.EncodingState
	classifier *classifier.Classifier
	modelKind  string
}

// NewEngine checks that the encoding state and the model agree on column
// order and count. A mismatch is a hard error.
func NewEngine(state *feature.EncodingState, model classifier.Model) (*Engine, error) {
	if state == nil || model == nil {
		return nil, errors.New("scoring: encoding state and model are both required")
	}
	if !classifier.SameColumns(state.Columns, model.Columns()) {
		return nil, &classifier.ScoringError{
			Reason: fmt.Sprintf("encoding state columns %v do not match model columns %v", state.Columns, model.Columns()),
		}
	}
	return &Engine{
		state:      state,
		classifier: classifier.New(model),
		modelKind:  classifier.KindOf(model),
	}, nil
}

// Loaded reports whether both the encoding state and the model are present.
func (e *Engine) Loaded() (encoder, model bool) {
	if e == nil {
		return false, false
	}
	return e.state != nil, e.classifier != nil
}

// ModelKind names the loaded model implementation.
func (e *Engine) ModelKind() string { return e.modelKind }

// Classifier exposes the wrapped classifier, for serving it to remote peers.
func (e *Engine) Classifier() *classifier.Classifier { return e.classifier }

// Score transforms and classifies one record. Transform strictly precedes
// classification.
func (e *Engine) Score(ctx context.Context, rec transaction.Record) (Prediction, error) {
	ctx, span := traces.StartSpan(ctx, "scoring.score", traces.TransactionID(rec.TransactionID))
	defer span.End()
	start := time.Now()

	vec, err := e.state.Transform(rec)
	if err != nil {
		traces.RecordError(span, err)
		return Prediction{}, err
	}
	res, err := e.classifier.Score(ctx, vec)
	if err != nil {
		traces.RecordError(span, err)
		return Prediction{}, err
	}

	metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	metrics.PredictionsTotal.WithLabelValues(string(res.RiskLevel)).Inc()
	span.SetAttributes(traces.RiskLevel(string(res.RiskLevel)))

	return Prediction{
		TransactionID:    rec.TransactionID,
		FraudProbability: res.Probability,
		IsFraud:          res.IsFraud,
		RiskLevel:        res.RiskLevel,
	}, nil
}

// ScoreRaw decodes and scores one JSON payload. It never fails the caller:
// any error is folded into a failure-marker Prediction and reported in Err.
func (e *Engine) ScoreRaw(ctx context.Context, raw json.RawMessage) Outcome {
	rec, err := transaction.Decode(raw)
	if err != nil {
		return e.fail(raw, transaction.ID(raw), err)
	}
	pred, err := e.Score(ctx, rec)
	if err != nil {
		out := e.fail(raw, rec.TransactionID, err)
		out.Record = rec
		return out
	}
	return Outcome{Raw: raw, Record: rec, Prediction: pred}
}

// ScoreBatch scores payloads on up to workers goroutines. Results keep input
// order and one failing record never affects the others.
func (e *Engine) ScoreBatch(ctx context.Context, raws []json.RawMessage, workers int) []Outcome {
	return syncutil.Map(ctx, workers, raws, func(ctx context.Context, _ int, raw json.RawMessage) Outcome {
		return e.ScoreRaw(ctx, raw)
	})
}

func (e *Engine) fail(raw json.RawMessage, id string, err error) Outcome {
	metrics.ScoringFailuresTotal.WithLabelValues(ErrorKind(err)).Inc()
	return Outcome{Raw: raw, Prediction: Failed(id, err), Err: err}
}
