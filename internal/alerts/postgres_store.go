package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/fraudwatch/internal/retry"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresStore persists alerts in the fraud_alerts table. Creation order is
// the table's sequence column; the full alert is kept as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed alert store. The schema
// comes from the migrations package.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, a *Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts (
			alert_id, transaction_id, risk_level, fraud_probability, created_at, payload
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.AlertID, a.TransactionID, string(a.RiskLevel), a.FraudProbability, a.Timestamp, payload,
	)
	if err != nil {
		return classify("append alert", err)
	}
	return nil
}

func (p *PostgresStore) Recent(ctx context.Context, n int) ([]*Alert, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT payload FROM (
			SELECT seq, payload FROM fraud_alerts ORDER BY seq DESC LIMIT $1
		) newest
		ORDER BY seq ASC`, n)
	if err != nil {
		return nil, classify("list recent alerts", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE risk_level = 'HIGH'),
			COUNT(*) FILTER (WHERE risk_level = 'MEDIUM'),
			COUNT(*) FILTER (WHERE risk_level = 'LOW')
		FROM fraud_alerts`,
	).Scan(&s.Total, &s.High, &s.Medium, &s.Low)
	if err != nil {
		return Summary{}, classify("summarize alerts", err)
	}
	return s, nil
}

func (p *PostgresStore) FindByTransaction(ctx context.Context, txnID string, since time.Time) (*Alert, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT payload FROM fraud_alerts
		WHERE transaction_id = $1 AND created_at >= $2
		ORDER BY seq DESC
		LIMIT 1`, txnID, since)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find alert", err)
	}
	return a, nil
}

// Close is a no-op; the caller owns the *sql.DB.
func (p *PostgresStore) Close() error { return nil }

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(sc scanner) (*Alert, error) {
	var payload []byte
	if err := sc.Scan(&payload); err != nil {
		return nil, err
	}
	var a Alert
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, &StoreCorruptionError{Reason: "unreadable alert row", Err: err}
	}
	return &a, nil
}

// classify maps driver errors onto the alert error taxonomy: a unique
// violation is an id collision, server-reported errors are returned as is,
// and everything else (connection loss, timeouts) is transient.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if string(pqErr.Code) == uniqueViolation {
			return &StoreCorruptionError{Reason: "alert id collision", Err: err}
		}
		if pqErr.Code.Class() == "08" {
			return retry.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if IsCorruption(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return retry.Transient(op, err)
}

var _ Store = (*PostgresStore)(nil)
