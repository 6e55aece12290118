// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Alert store backends.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Ingestion modes for the streaming orchestrator.
const (
	IngestRecord = "record"
	IngestBatch  = "batch"
	IngestFile   = "file"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// HTTP boundary
	CORSOrigins    []string
	RateLimitRPM   int // 0 disables rate limiting
	RateLimitBurst int

	// Scoring artifacts
	EncoderStatePath string
	ModelPath        string
	ClassifierURL    string // remote classifier; overrides ModelPath when set

	// Alert store
	AlertStore   string
	AlertLogPath string
	DatabaseURL  string
	RedisURL     string // optional cross-replica dedup guard
	DedupWindow  time.Duration

	// Alert webhooks
	AlertWebhookURLs   []string
	AlertWebhookSecret string

	// Streaming
	KafkaBrokers      []string
	TransactionsTopic string
	PredictionsTopic  string
	ConsumerGroup     string
	IngestMode        string
	ReplayPath        string
	CheckpointPath    string
	BatchSize         int
	BatchLinger       time.Duration
	Workers           int

	// Remote calls
	AlertSinkURL   string // remote alert service; local store when empty
	RemoteTimeout  time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration

	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRateLimitRPM      = 6000
	DefaultRateLimitBurst    = 200
	DefaultEncoderStatePath  = "artifacts/encoder_state.json"
	DefaultModelPath         = "artifacts/model.json"
	DefaultAlertLogPath      = "data/alerts.jsonl"
	DefaultDedupWindow       = 10 * time.Minute
	DefaultKafkaBrokers      = "localhost:9092"
	DefaultTransactionsTopic = "transactions"
	DefaultPredictionsTopic  = "predictions"
	DefaultConsumerGroup     = "fraud-detection-consumer"
	DefaultCheckpointPath    = "data/replay.offset"
	DefaultBatchSize         = 100
	DefaultBatchLinger       = 2 * time.Second
	DefaultWorkers           = 4
	DefaultRemoteTimeout     = 5 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryBaseDelay    = 200 * time.Millisecond
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:       splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		EncoderStatePath:  getEnv("ENCODER_STATE_PATH", DefaultEncoderStatePath),
		ModelPath:         getEnv("MODEL_PATH", DefaultModelPath),
		ClassifierURL:     os.Getenv("CLASSIFIER_URL"),
		AlertStore:        getEnv("ALERT_STORE", StoreFile),
		AlertLogPath:      getEnv("ALERT_LOG_PATH", DefaultAlertLogPath),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		DedupWindow:       getEnvDuration("DEDUP_WINDOW", DefaultDedupWindow),
		KafkaBrokers:      splitList(getEnv("KAFKA_BROKERS", DefaultKafkaBrokers)),
		TransactionsTopic: getEnv("TRANSACTIONS_TOPIC", DefaultTransactionsTopic),
		PredictionsTopic:  getEnv("PREDICTIONS_TOPIC", DefaultPredictionsTopic),
		ConsumerGroup:     getEnv("CONSUMER_GROUP", DefaultConsumerGroup),
		IngestMode:        getEnv("INGEST_MODE", IngestRecord),
		ReplayPath:        os.Getenv("REPLAY_PATH"),
		CheckpointPath:    getEnv("CHECKPOINT_PATH", DefaultCheckpointPath),
		BatchSize:         int(getEnvInt64("BATCH_SIZE", DefaultBatchSize)),
		BatchLinger:       getEnvDuration("BATCH_LINGER", DefaultBatchLinger),
		Workers:           int(getEnvInt64("WORKERS", DefaultWorkers)),
		AlertSinkURL:      os.Getenv("ALERT_SINK_URL"),
		RemoteTimeout:     getEnvDuration("REMOTE_TIMEOUT", DefaultRemoteTimeout),
		RetryAttempts:     int(getEnvInt64("RETRY_ATTEMPTS", DefaultRetryAttempts)),
		RetryBaseDelay:    getEnvDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	cfg.AlertWebhookURLs = splitList(os.Getenv("ALERT_WEBHOOK_URLS"))
	cfg.AlertWebhookSecret = os.Getenv("ALERT_WEBHOOK_SECRET")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	switch c.AlertStore {
	case StoreFile:
		if c.AlertLogPath == "" {
			return fmt.Errorf("ALERT_LOG_PATH is required when ALERT_STORE=file")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when ALERT_STORE=postgres")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("ALERT_STORE must be one of file, postgres, memory (got %q)", c.AlertStore)
	}

	switch c.IngestMode {
	case IngestRecord, IngestBatch:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when INGEST_MODE=%s", c.IngestMode)
		}
	case IngestFile:
		if c.ReplayPath == "" {
			return fmt.Errorf("REPLAY_PATH is required when INGEST_MODE=file")
		}
	default:
		return fmt.Errorf("INGEST_MODE must be one of record, batch, file (got %q)", c.IngestMode)
	}

	if c.DedupWindow <= 0 {
		return fmt.Errorf("DEDUP_WINDOW must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be positive")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("REMOTE_TIMEOUT must be positive")
	}
	if c.RateLimitRPM < 0 || (c.RateLimitRPM > 0 && c.RateLimitBurst <= 0) {
		return fmt.Errorf("RATE_LIMIT_RPM must be non-negative and RATE_LIMIT_BURST positive")
	}
	for _, u := range c.AlertWebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("ALERT_WEBHOOK_URLS entries must be http(s) URLs (got %q)", u)
		}
	}
	if c.ClassifierURL == "" && c.ModelPath == "" {
		return fmt.Errorf("one of MODEL_PATH or CLASSIFIER_URL is required")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
