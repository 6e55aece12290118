package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/fraudwatch/internal/classifier"
	"github.com/mbd888/fraudwatch/internal/health"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/syncutil"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

// Notifier is told about every newly created alert.
type Notifier interface {
	NotifyAlert(a *Alert)
}

// DegradedNotifier is an optional Notifier extension, told once when the
// store stops accepting writes.
type DegradedNotifier interface {
	NotifyDegraded(reason string)
}

// Notifiers fans each notification out to every member in order.
type Notifiers []Notifier

func (ns Notifiers) NotifyAlert(a *Alert) {
	for _, n := range ns {
		n.NotifyAlert(a)
	}
}

// NotifyDegraded forwards to the members that implement DegradedNotifier.
func (ns Notifiers) NotifyDegraded(reason string) {
	for _, n := range ns {
		if dn, ok := n.(DegradedNotifier); ok {
			dn.NotifyDegraded(reason)
		}
	}
}

// Service implements the alert store contract on top of a Store: serialized
// appends, id allocation, dedup and the corruption latch.
type Service struct {
	store    Store
	guard    Guard
	notifier Notifier
	window   time.Duration
	mu       *syncutil.ContextMutex
	latch    *health.Latch
	logger   *slog.Logger
	now      func() time.Time
	newID    func() (string, error)
}

// NewService creates an alert service. A non-positive window falls back to
// DefaultDedupWindow.
func NewService(store Store, window time.Duration, logger *slog.Logger) *Service {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		window: window,
		mu:     syncutil.NewContextMutex(),
		latch:  &health.Latch{},
		logger: logger,
		now:    time.Now,
		newID:  idgen.AlertID,
	}
}

// WithGuard adds a cross-replica dedup guard.
func (s *Service) WithGuard(g Guard) *Service {
	s.guard = g
	return s
}

// WithNotifier sets the listener for created alerts.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Window returns the dedup window.
func (s *Service) Window() time.Duration { return s.window }

// Latch exposes the corruption latch for health registration.
func (s *Service) Latch() *health.Latch { return s.latch }

// Healthy returns a *StoreCorruptionError once the store has been latched.
func (s *Service) Healthy() error {
	if tripped, reason := s.latch.Tripped(); tripped {
		return &StoreCorruptionError{Reason: reason}
	}
	return nil
}

// Append records an alert for txn. If an alert for the same transaction id
// was created within the dedup window, that alert is returned with
// created=false and nothing is written.
func (s *Service) Append(ctx context.Context, txn transaction.Record, pred scoring.Prediction) (alert *Alert, created bool, err error) {
	ctx, span := traces.StartSpan(ctx, "alerts.append", traces.TransactionID(txn.TransactionID))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()

	if err := validateRequest(txn, pred); err != nil {
		metrics.AlertsTotal.WithLabelValues("rejected").Inc()
		return nil, false, err
	}
	if pred.TransactionID == "" {
		pred.TransactionID = txn.TransactionID
	}
	if err := s.Healthy(); err != nil {
		metrics.AlertsTotal.WithLabelValues("rejected").Inc()
		return nil, false, err
	}

	unlock, err := s.mu.Lock(ctx)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	// Re-check under the lock: a concurrent append may have tripped it.
	if err := s.Healthy(); err != nil {
		metrics.AlertsTotal.WithLabelValues("rejected").Inc()
		return nil, false, err
	}

	logger := logging.WithTransaction(s.loggerFor(ctx), txn.TransactionID)
	now := s.now().UTC()

	existing, err := s.store.FindByTransaction(ctx, txn.TransactionID, now.Add(-s.window))
	if err != nil {
		return nil, false, s.storeFailure(logger, err)
	}
	if existing != nil {
		metrics.AlertsTotal.WithLabelValues("duplicate").Inc()
		logger.Info("duplicate alert suppressed", "alert_id", existing.AlertID)
		return existing, false, nil
	}

	claimed := false
	if s.guard != nil {
		ok, gerr := s.guard.Claim(ctx, txn.TransactionID, s.window)
		switch {
		case gerr != nil:
			logger.Warn("dedup guard unavailable, using local dedup only", "error", gerr)
		case !ok:
			metrics.AlertsTotal.WithLabelValues("duplicate").Inc()
			logger.Info("duplicate alert suppressed by another replica")
			return nil, false, nil
		default:
			claimed = true
		}
	}

	id, err := s.newID()
	if err != nil {
		s.release(ctx, logger, claimed, txn.TransactionID)
		return nil, false, err
	}
	a := NewAlert(id, now, txn, pred)
	if err := s.store.Append(ctx, a); err != nil {
		s.release(ctx, logger, claimed, txn.TransactionID)
		return nil, false, s.storeFailure(logger, err)
	}

	metrics.AlertsTotal.WithLabelValues("created").Inc()
	span.SetAttributes(traces.AlertID(a.AlertID), traces.RiskLevel(string(a.RiskLevel)))
	logger.Info("alert created",
		"alert_id", a.AlertID,
		"risk_level", a.RiskLevel,
		"fraud_probability", a.FraudProbability,
	)
	if s.notifier != nil {
		s.notifier.NotifyAlert(a)
	}
	return a, true, nil
}

// Recent returns up to n of the newest alerts in creation order; n <= 0
// yields an empty list. Request boundaries bound n by MaxRecentLimit.
func (s *Service) Recent(ctx context.Context, n int) ([]*Alert, error) {
	if n <= 0 {
		return []*Alert{}, nil
	}
	out, err := s.store.Recent(ctx, n)
	if err != nil {
		return nil, s.storeFailure(s.loggerFor(ctx), err)
	}
	if out == nil {
		out = []*Alert{}
	}
	return out, nil
}

// Summary returns total and per-tier alert counts.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	sum, err := s.store.Summary(ctx)
	if err != nil {
		return Summary{}, s.storeFailure(s.loggerFor(ctx), err)
	}
	return sum, nil
}

// Close closes the underlying store.
func (s *Service) Close() error { return s.store.Close() }

func (s *Service) loggerFor(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

func (s *Service) storeFailure(logger *slog.Logger, err error) error {
	if IsCorruption(err) {
		already, _ := s.latch.Tripped()
		s.latch.Trip(err.Error())
		logger.Error("alert store corrupted, refusing further writes", "error", err)
		if dn, ok := s.notifier.(DegradedNotifier); ok && !already {
			dn.NotifyDegraded(err.Error())
		}
	}
	return err
}

func (s *Service) release(ctx context.Context, logger *slog.Logger, claimed bool, txnID string) {
	if !claimed {
		return
	}
	if err := s.guard.Release(context.WithoutCancel(ctx), txnID); err != nil {
		logger.Warn("failed to release dedup claim", "error", err)
	}
}

func validateRequest(txn transaction.Record, pred scoring.Prediction) error {
	switch {
	case txn.TransactionID == "":
		return &InvalidAlertError{Reason: "transaction_id is required"}
	case pred.TransactionID != "" && pred.TransactionID != txn.TransactionID:
		return &InvalidAlertError{Reason: fmt.Sprintf("prediction is for %q, transaction is %q", pred.TransactionID, txn.TransactionID)}
	case pred.Failed():
		return &InvalidAlertError{Reason: "prediction failed: " + pred.Error}
	case math.IsNaN(pred.FraudProbability) || pred.FraudProbability < 0 || pred.FraudProbability > 1:
		return &InvalidAlertError{Reason: fmt.Sprintf("fraud_probability %v outside [0,1]", pred.FraudProbability)}
	case pred.RiskLevel != classifier.TierFor(pred.FraudProbability):
		return &InvalidAlertError{Reason: fmt.Sprintf("risk_level %s does not match fraud_probability %v", pred.RiskLevel, pred.FraudProbability)}
	case pred.IsFraud != classifier.IsFraud(pred.FraudProbability):
		return &InvalidAlertError{Reason: fmt.Sprintf("is_fraud %v does not match fraud_probability %v", pred.IsFraud, pred.FraudProbability)}
	}
	return nil
}
