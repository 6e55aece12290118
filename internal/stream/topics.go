package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// TopicSpec is the layout EnsureTopics creates a missing topic with.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// EnsureTopics creates any of topics that do not exist yet, through the
// cluster controller. Existing topics are left alone.
func EnsureTopics(ctx context.Context, brokers []string, logger *slog.Logger, topics ...TopicSpec) error {
	if len(brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := kafka.DialContext(dialCtx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("fetch controller metadata: %w", err)
	}
	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	admin, err := kafka.DialContext(dialCtx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", ctrlAddr, err)
	}
	defer admin.Close()
	_ = admin.SetDeadline(time.Now().Add(10 * time.Second))

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, topicConfig(t))
	}
	if err := admin.CreateTopics(configs...); err != nil {
		if !isAlreadyExists(err) {
			return fmt.Errorf("create topics: %w", err)
		}
		logger.Info("kafka topics already exist")
		return nil
	}
	logger.Info("kafka topics ready", "count", len(configs))
	return nil
}

func topicConfig(t TopicSpec) kafka.TopicConfig {
	if t.Partitions <= 0 {
		t.Partitions = 1
	}
	if t.ReplicationFactor <= 0 {
		t.ReplicationFactor = 1
	}
	return kafka.TopicConfig{Topic: t.Name, NumPartitions: t.Partitions, ReplicationFactor: t.ReplicationFactor}
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, kafka.TopicAlreadyExists) || strings.Contains(err.Error(), "already exists")
}
