package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/scoring"
)

// Publisher forwards per-record outcomes downstream. Publishing the same
// outcome twice must be harmless: the message for a transaction id is always
// the same.
type Publisher interface {
	Publish(ctx context.Context, outcomes []scoring.Outcome) error
	Close() error
}

// maxMessageBytes is the largest message the Kafka writer accepts; it is
// also set as the writer's BatchBytes.
const maxMessageBytes = 1 << 20

// messageOverhead is headroom for the record framing kafka-go counts
// against BatchBytes on top of key and value.
const messageOverhead = 1 << 10

// maxErrorText bounds the error text carried on a failure marker.
const maxErrorText = 512

// predictionValue is the downstream message: the decoded transaction fields
// plus the prediction. Records that never decoded carry only their
// transaction id and the error marker; the raw payload is not echoed.
func predictionValue(o scoring.Outcome) ([]byte, error) {
	fields := map[string]any{}
	if o.Record.TransactionID != "" {
		b, err := json.Marshal(o.Record)
		if err != nil {
			return nil, fmt.Errorf("encode transaction: %w", err)
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return nil, fmt.Errorf("encode transaction: %w", err)
		}
	}

	p := o.Prediction
	fields["transaction_id"] = p.TransactionID
	fields["fraud_probability"] = p.FraudProbability
	fields["is_fraud"] = p.IsFraud
	fields["risk_level"] = p.RiskLevel
	if p.Failed() {
		msg := p.Error
		if len(msg) > maxErrorText {
			msg = msg[:maxErrorText]
		}
		fields["error"] = msg
		fields["error_kind"] = p.ErrorKind
	}
	return json.Marshal(fields)
}

// encodeOutcome encodes o, falling back to a failure marker when the
// prediction cannot be encoded or exceeds limit bytes. A non-positive limit
// means unbounded.
func encodeOutcome(o scoring.Outcome, limit int) ([]byte, error) {
	value, err := predictionValue(o)
	if err == nil && (limit <= 0 || len(value) <= limit) {
		return value, nil
	}
	if err == nil {
		err = fmt.Errorf("prediction message of %d bytes exceeds the %d byte limit", len(value), limit)
	}
	return failureValue(o.Prediction.TransactionID, err)
}

// failureValue is the failure marker published in place of a record whose
// prediction cannot be delivered as-is.
func failureValue(transactionID string, cause error) ([]byte, error) {
	return predictionValue(scoring.Outcome{Prediction: scoring.Failed(transactionID, cause), Err: cause})
}

var errRefused = errors.New("prediction refused by the cluster as too large")

// isTooLarge reports whether err is kafka-go's or the broker's refusal of an
// oversized message.
func isTooLarge(err error) bool {
	if err == nil {
		return false
	}
	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) || errors.Is(err, kafka.MessageSizeTooLarge) {
		return true
	}
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if isTooLarge(e) {
				return true
			}
		}
	}
	return false
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes predictions keyed by transaction id so that every
// prediction for a transaction lands on the same partition.
type KafkaPublisher struct {
	writer   messageWriter
	timeout  time.Duration
	maxBytes int
}

// NewKafkaPublisher creates a synchronous writer for topic that waits for
// all in-sync replicas.
func NewKafkaPublisher(brokers []string, topic string, timeout time.Duration) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("predictions topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		WriteTimeout:           timeout,
		BatchBytes:             maxMessageBytes,
	}
	return newKafkaPublisher(w, timeout), nil
}

func newKafkaPublisher(w messageWriter, timeout time.Duration) *KafkaPublisher {
	return &KafkaPublisher{writer: w, timeout: timeout, maxBytes: maxMessageBytes}
}

// Publish writes one message per outcome. A record whose message is too
// large for the cluster is published as a failure marker so that it cannot
// hold back its unit; any other broker failure is transient.
func (p *KafkaPublisher) Publish(ctx context.Context, outcomes []scoring.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(outcomes))
	for _, o := range outcomes {
		key := []byte(o.Prediction.TransactionID)
		value, err := encodeOutcome(o, p.maxBytes-messageOverhead-len(key))
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: key, Value: value})
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	err := p.writer.WriteMessages(ctx, msgs...)
	if isTooLarge(err) {
		err = p.writeEach(ctx, msgs)
	}
	if err != nil {
		return retry.Transient("kafka publish", err)
	}
	return nil
}

// writeEach sends msgs one at a time, replacing any message the cluster
// refuses as too large with a failure marker for the same transaction.
// Messages already written may be written again; publishing is idempotent.
func (p *KafkaPublisher) writeEach(ctx context.Context, msgs []kafka.Message) error {
	for _, m := range msgs {
		err := p.writer.WriteMessages(ctx, m)
		if !isTooLarge(err) {
			if err != nil {
				return err
			}
			continue
		}
		value, merr := failureValue(string(m.Key), errRefused)
		if merr != nil {
			return merr
		}
		if err := p.writer.WriteMessages(ctx, kafka.Message{Key: m.Key, Value: value}); err != nil {
			return err
		}
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// WriterPublisher writes predictions as JSON lines to w. It backs replay
// runs that have no Kafka cluster.
type WriterPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterPublisher creates a publisher that writes to w.
func NewWriterPublisher(w io.Writer) *WriterPublisher {
	return &WriterPublisher{w: w}
}

func (p *WriterPublisher) Publish(_ context.Context, outcomes []scoring.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range outcomes {
		value, err := encodeOutcome(o, 0)
		if err != nil {
			return err
		}
		if _, err := p.w.Write(append(value, '\n')); err != nil {
			return retry.Transient("write prediction", err)
		}
	}
	return nil
}

func (p *WriterPublisher) Close() error { return nil }

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = (*WriterPublisher)(nil)
)
