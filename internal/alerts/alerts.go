// Package alerts is the durable, append-only log of fraud alerts.
//
// The streaming orchestrator submits every fraud-flagged prediction; the
// store keeps at most one Alert per transaction within the dedup window.
// Alerts are never updated or deleted once written.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/fraudwatch/internal/classifier"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

// DefaultRecentLimit is used when a caller does not ask for a limit.
const DefaultRecentLimit = 10

// MaxRecentLimit caps the limit a request to GET /alerts/recent or the
// recent-alerts tool may ask for. Service.Recent itself is uncapped.
const MaxRecentLimit = 1000

// DefaultDedupWindow is how long a transaction id stays claimed by its alert.
const DefaultDedupWindow = 10 * time.Minute

// InvalidAlertError reports an append request that can never succeed, such
// as a failed prediction or one whose tier disagrees with its probability.
type InvalidAlertError struct {
	Reason string
}

func (e *InvalidAlertError) Error() string { return "alerts: invalid request: " + e.Reason }

// IsInvalid reports whether err is or wraps an InvalidAlertError.
func IsInvalid(err error) bool {
	var ie *InvalidAlertError
	return errors.As(err, &ie)
}

// StoreCorruptionError reports an identifier collision or an unreadable
// durable log. It is fatal: the service stops accepting writes.
type StoreCorruptionError struct {
	Reason string
	Err    error
}

func (e *StoreCorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("alert store corrupted: %s: %v", e.Reason, e.Err)
	}
	return "alert store corrupted: " + e.Reason
}

func (e *StoreCorruptionError) Unwrap() error { return e.Err }

// IsCorruption reports whether err is or wraps a StoreCorruptionError.
func IsCorruption(err error) bool {
	var ce *StoreCorruptionError
	return errors.As(err, &ce)
}

// Location is the geolocation shown on an alert.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// TimeOfDay carries the timestamp-derived transaction fields.
type TimeOfDay struct {
	Hour      int `json:"hour"`
	DayOfWeek int `json:"day_of_week"`
}

// Details groups the descriptive fields dashboards render.
type Details struct {
	TransactionType transaction.Type `json:"transaction_type"`
	Location        Location         `json:"location"`
	Time            TimeOfDay        `json:"time"`
}

// Alert is one durable fraud alert. The flat fields duplicate the snapshots
// so readers need not unpack them.
type Alert struct {
	AlertID          string             `json:"alert_id"`
	Timestamp        time.Time          `json:"timestamp"`
	TransactionID    string             `json:"transaction_id"`
	UserID           string             `json:"user_id,omitempty"`
	MerchantID       string             `json:"merchant_id,omitempty"`
	Amount           float64            `json:"amount"`
	FraudProbability float64            `json:"fraud_probability"`
	RiskLevel        classifier.Tier    `json:"risk_level"`
	Details          Details            `json:"details"`
	Transaction      transaction.Record `json:"transaction"`
	Prediction       scoring.Prediction `json:"prediction"`
}

// NewAlert builds an alert from its snapshots.
func NewAlert(id string, at time.Time, txn transaction.Record, pred scoring.Prediction) *Alert {
	return &Alert{
		AlertID:          id,
		Timestamp:        at.UTC(),
		TransactionID:    txn.TransactionID,
		UserID:           txn.UserID,
		MerchantID:       txn.MerchantID,
		Amount:           txn.Amount,
		FraudProbability: pred.FraudProbability,
		RiskLevel:        pred.RiskLevel,
		Details: Details{
			TransactionType: txn.Type,
			Location:        Location{Latitude: txn.Latitude, Longitude: txn.Longitude},
			Time:            TimeOfDay{Hour: txn.Hour, DayOfWeek: txn.DayOfWeek},
		},
		Transaction: txn,
		Prediction:  pred,
	}
}

// Summary counts alerts in total and per risk tier.
type Summary struct {
	Total  int `json:"total_alerts"`
	High   int `json:"high_risk"`
	Medium int `json:"medium_risk"`
	Low    int `json:"low_risk"`
}

// Add counts one alert of the given tier.
func (s *Summary) Add(tier classifier.Tier) {
	s.Total++
	switch tier {
	case classifier.TierHigh:
		s.High++
	case classifier.TierMedium:
		s.Medium++
	case classifier.TierLow:
		s.Low++
	}
}

// Store persists alerts. Implementations must keep creation order and must
// never overwrite an existing alert: appending an id that already exists
// returns a *StoreCorruptionError.
type Store interface {
	Append(ctx context.Context, a *Alert) error
	// Recent returns up to n of the newest alerts, oldest first.
	Recent(ctx context.Context, n int) ([]*Alert, error)
	Summary(ctx context.Context) (Summary, error)
	// FindByTransaction returns the newest alert for txnID created at or
	// after since, or nil if there is none.
	FindByTransaction(ctx context.Context, txnID string, since time.Time) (*Alert, error)
	Close() error
}

// tail returns the last n elements of s, or all of s when it is shorter.
func tail[T any](s []T, n int) []T {
	if n <= 0 {
		return nil
	}
	if n > len(s) {
		n = len(s)
	}
	return s[len(s)-n:]
}
