// Package simulate replays a transaction corpus, either into the ingestion
// topic or straight through the scoring and alert boundaries.
package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/fraudwatch/internal/alerts"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

// Options controls pacing.
type Options struct {
	Delay time.Duration // pause between records
	Loop  bool          // start over at the end of the corpus
	Limit int           // stop after this many records; 0 means no limit
}

// Stats summarizes a replay.
type Stats struct {
	Sent     int
	Flagged  int
	Alerts   int
	Failures int
}

// messageWriter is the subset of *kafka.Writer the replay uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Scorer is the scoring side of a direct replay.
type Scorer interface {
	Predict(ctx context.Context, rec transaction.Record) (scoring.Prediction, error)
}

// AlertSink receives alerts for flagged records in a direct replay.
type AlertSink interface {
	Append(ctx context.Context, txn transaction.Record, pred scoring.Prediction) (*alerts.Alert, bool, error)
}

// NewKafkaWriter creates a producer for topic that waits for the leader.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// ToKafka writes each record as JSON keyed by transaction id.
func ToKafka(ctx context.Context, w messageWriter, records []transaction.Record, opts Options, logger *slog.Logger) (Stats, error) {
	var st Stats
	err := replay(ctx, records, opts, func(rec transaction.Record) error {
		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %s: %w", rec.TransactionID, err)
		}
		if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(rec.TransactionID), Value: value}); err != nil {
			return fmt.Errorf("produce %s: %w", rec.TransactionID, err)
		}
		st.Sent++
		logger.Debug("transaction sent", "transaction_id", rec.TransactionID, "count", st.Sent)
		return nil
	})
	return st, err
}

// Direct scores each record over HTTP and posts an alert for the ones
// flagged as fraud. A failed call is logged and counted; the replay goes on.
func Direct(ctx context.Context, scorer Scorer, sink AlertSink, records []transaction.Record, opts Options, logger *slog.Logger) (Stats, error) {
	var st Stats
	err := replay(ctx, records, opts, func(rec transaction.Record) error {
		log := logging.WithTransaction(logger, rec.TransactionID)
		st.Sent++
		pred, err := scorer.Predict(ctx, rec)
		if err != nil {
			st.Failures++
			log.Warn("scoring failed", "error", err)
			return nil
		}
		log.Info("transaction scored",
			"amount", rec.Amount,
			"fraud_probability", pred.FraudProbability,
			"risk_level", pred.RiskLevel,
		)
		if !pred.IsFraud {
			return nil
		}
		st.Flagged++
		if sink == nil {
			return nil
		}
		if _, created, err := sink.Append(ctx, rec, pred); err != nil {
			st.Failures++
			log.Warn("alert failed", "error", err)
		} else if created {
			st.Alerts++
		}
		return nil
	})
	return st, err
}

// replay calls fn for each record, honoring pacing and cancellation. A
// cancelled context ends the replay without error.
func replay(ctx context.Context, records []transaction.Record, opts Options, fn func(transaction.Record) error) error {
	if len(records) == 0 {
		return fmt.Errorf("no transactions to replay")
	}
	n := 0
	for {
		for _, rec := range records {
			if ctx.Err() != nil || (opts.Limit > 0 && n >= opts.Limit) {
				return nil
			}
			if n > 0 && opts.Delay > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(opts.Delay):
				}
			}
			if err := fn(rec); err != nil {
				return err
			}
			n++
		}
		if !opts.Loop {
			return nil
		}
	}
}
