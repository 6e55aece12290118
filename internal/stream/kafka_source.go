package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/fraudwatch/internal/retry"
)

// messageFetcher is the subset of *kafka.Reader the source uses.
type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig groups the consumer settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// BatchSize is the maximum unit size; 1 selects record mode.
	BatchSize int
	// Linger bounds how long a partial batch waits for more records.
	Linger time.Duration
}

// KafkaSource reads transactions from a consumer group. Offsets are
// committed explicitly, one unit at a time.
type KafkaSource struct {
	reader    messageFetcher
	batchSize int
	linger    time.Duration
}

// NewKafkaSource creates a consumer-group reader for cfg.Topic.
func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("transactions topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("consumer group must not be empty")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newKafkaSource(reader, cfg.BatchSize, cfg.Linger), nil
}

func newKafkaSource(reader messageFetcher, batchSize int, linger time.Duration) *KafkaSource {
	if batchSize <= 0 {
		batchSize = 1
	}
	if linger <= 0 {
		linger = time.Second
	}
	return &KafkaSource{reader: reader, batchSize: batchSize, linger: linger}
}

// Fetch waits for the first message, then gathers more until the batch is
// full or the linger time has passed. A stop signal while gathering drops
// the partial unit; it was never committed and will be redelivered.
func (s *KafkaSource) Fetch(ctx context.Context) (*Unit, error) {
	first, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fetchError(ctx, err)
	}
	msgs := []kafka.Message{first}

	if s.batchSize > 1 {
		lingerCtx, cancel := context.WithTimeout(ctx, s.linger)
		for len(msgs) < s.batchSize {
			msg, err := s.reader.FetchMessage(lingerCtx)
			if err != nil {
				if ctx.Err() != nil {
					cancel()
					return nil, ctx.Err()
				}
				if errors.Is(err, context.DeadlineExceeded) {
					break
				}
				cancel()
				return nil, fetchError(ctx, err)
			}
			msgs = append(msgs, msg)
		}
		cancel()
	}

	last := msgs[len(msgs)-1]
	u := &Unit{
		Records:   make([]json.RawMessage, 0, len(msgs)),
		Partition: last.Partition,
		Offset:    last.Offset,
		token:     msgs,
	}
	for _, m := range msgs {
		u.Records = append(u.Records, m.Value)
	}
	return u, nil
}

// Commit acknowledges every message of the unit.
func (s *KafkaSource) Commit(ctx context.Context, u *Unit) error {
	msgs, ok := u.token.([]kafka.Message)
	if !ok {
		return fmt.Errorf("unit was not fetched from kafka")
	}
	if err := s.reader.CommitMessages(ctx, msgs...); err != nil {
		return retry.Transient("kafka commit", err)
	}
	return nil
}

func (s *KafkaSource) Close() error { return s.reader.Close() }

func fetchError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return retry.Transient("kafka fetch", err)
}

var _ Source = (*KafkaSource)(nil)
