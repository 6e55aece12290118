package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/fraudwatch/internal/alerts"
	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/health"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

// AlertSink accepts candidate alerts. *alerts.Service and *alerts.Client
// both satisfy it.
type AlertSink interface {
	Append(ctx context.Context, txn transaction.Record, pred scoring.Prediction) (*alerts.Alert, bool, error)
}

// Dispatch results.
const (
	DispatchDelivered   = "delivered"
	DispatchDuplicate   = "duplicate"
	DispatchUndelivered = "undelivered"
	DispatchRejected    = "rejected"
)

// ErrSinkCorrupted is returned by Healthy once the sink has reported store
// corruption. Alerts offered after that point are lost.
var ErrSinkCorrupted = errors.New("stream: alert sink is corrupted")

// AlertDispatcher delivers alerts with bounded retries behind a circuit
// breaker. It never fails the caller: an alert that cannot be delivered is
// logged as undelivered. A corruption rejection also trips the dispatcher's
// latch, which the orchestrator checks before committing.
type AlertDispatcher struct {
	sink    AlertSink
	name    string
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	latch   *health.Latch
	logger  *slog.Logger
}

// NewAlertDispatcher creates a dispatcher. name labels the sink in breaker
// metrics; a nil breaker disables circuit breaking.
func NewAlertDispatcher(sink AlertSink, name string, policy retry.Policy, breaker *circuitbreaker.Breaker, logger *slog.Logger) *AlertDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertDispatcher{sink: sink, name: name, policy: policy, breaker: breaker, latch: &health.Latch{}, logger: logger}
}

// Latch exposes the corruption latch for health registration.
func (d *AlertDispatcher) Latch() *health.Latch { return d.latch }

// Healthy wraps ErrSinkCorrupted once the sink has reported corruption.
func (d *AlertDispatcher) Healthy() error {
	if tripped, reason := d.latch.Tripped(); tripped {
		return fmt.Errorf("%w: %s: %s", ErrSinkCorrupted, d.name, reason)
	}
	return nil
}

// Dispatch submits one alert and reports what happened to it.
func (d *AlertDispatcher) Dispatch(ctx context.Context, txn transaction.Record, pred scoring.Prediction) string {
	logger := logging.WithTransaction(d.logger, txn.TransactionID)
	attempts := 0
	var created bool

	err := d.policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		call := func() error {
			var err error
			_, created, err = d.sink.Append(ctx, txn, pred)
			return err
		}
		if d.breaker == nil {
			return call()
		}
		err := d.breaker.Call(d.name, call, retry.IsTransient)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Transient("alert sink", err)
		}
		return err
	})

	var result string
	switch {
	case err == nil && created:
		result = DispatchDelivered
	case err == nil:
		result = DispatchDuplicate
	case retry.IsTransient(err) || errors.Is(err, context.DeadlineExceeded):
		result = DispatchUndelivered
		logger.Warn("alert undelivered",
			"sink", d.name,
			"attempts", attempts,
			"fraud_probability", pred.FraudProbability,
			"risk_level", pred.RiskLevel,
			"error", err,
		)
	case alerts.IsCorruption(err):
		result = DispatchRejected
		d.latch.Trip(err.Error())
		logger.Error("alert sink corrupted", "sink", d.name, "error", err)
	default:
		result = DispatchRejected
		logger.Error("alert rejected by sink", "sink", d.name, "error", err)
	}
	metrics.AlertDispatchTotal.WithLabelValues(result).Inc()
	return result
}
