// fraudwatch streamer - scores the transaction stream, publishes predictions
// and raises alerts for likely fraud.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/fraudwatch/internal/alerts"
	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/classifier"
	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/feature"
	"github.com/mbd888/fraudwatch/internal/health"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/stream"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/migrations"
)

func main() {
	stdout := flag.Bool("stdout", false, "write predictions as JSON lines to stdout instead of Kafka")
	ensureTopics := flag.Bool("ensure-topics", false, "create the transactions and predictions topics if missing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, *stdout, *ensureTopics); err != nil {
		logger.Error("streamer failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout, ensureTopics bool) error {
	shutdownTracing, err := traces.Init(ctx, "fraudwatch-streamer", cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	policy := retry.Policy{
		MaxAttempts:    cfg.RetryAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       10 * cfg.RetryBaseDelay,
		AttemptTimeout: cfg.RemoteTimeout,
	}

	engine, err := loadEngine(ctx, cfg, policy)
	if err != nil {
		return err
	}
	logger.Info("scoring engine loaded", "model_kind", engine.ModelKind())

	if ensureTopics && cfg.IngestMode != config.IngestFile {
		err := stream.EnsureTopics(ctx, cfg.KafkaBrokers, logger,
			stream.TopicSpec{Name: cfg.TransactionsTopic},
			stream.TopicSpec{Name: cfg.PredictionsTopic},
		)
		if err != nil {
			return err
		}
	}

	source, err := openSource(cfg, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	var publisher stream.Publisher
	if stdout {
		publisher = stream.NewWriterPublisher(os.Stdout)
	} else {
		publisher, err = stream.NewKafkaPublisher(cfg.KafkaBrokers, cfg.PredictionsTopic, cfg.RemoteTimeout)
		if err != nil {
			return err
		}
	}
	defer publisher.Close()

	sink, name, closeSink, err := openSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(sink string, from, to circuitbreaker.State) {
		logger.Warn("alert sink circuit changed", "sink", sink, "from", from.String(), "to", to.String())
	})
	dispatcher := stream.NewAlertDispatcher(sink, name, policy, breaker, logger)

	checks := health.NewRegistry()
	checks.Register("alert_sink", dispatcher.Latch().Checker("alert_sink"))
	if svc, ok := sink.(*alerts.Service); ok {
		checks.Register("alert_store", svc.Latch().Checker("alert_store"))
	}
	go serveOps(ctx, cfg.Port, checks, logger)

	orch := stream.New(source, engine, publisher, dispatcher, stream.Options{
		Workers:       cfg.Workers,
		PublishPolicy: policy,
		CommitPolicy:  policy,
	}, logger)

	logger.Info("streamer started",
		"ingest_mode", cfg.IngestMode,
		"transactions_topic", cfg.TransactionsTopic,
		"predictions_topic", cfg.PredictionsTopic,
		"alert_sink", name,
		"workers", cfg.Workers,
	)
	err = orch.Run(ctx)
	st := orch.Stats()
	logger.Info("streamer stopped",
		"units", st.Units,
		"abandoned", st.Abandoned,
		"records", st.Records,
		"failed", st.Failed,
		"alerts", st.Alerts,
		"undelivered", st.Undelivered,
	)
	return err
}

// loadEngine reads both artifacts. The streamer cannot run without them.
func loadEngine(ctx context.Context, cfg *config.Config, policy retry.Policy) (*scoring.Engine, error) {
	state, err := feature.LoadFile(cfg.EncoderStatePath)
	if err != nil {
		return nil, err
	}
	var model classifier.Model
	if cfg.ClassifierURL != "" {
		model, err = classifier.NewRemoteModel(ctx, cfg.ClassifierURL, cfg.RemoteTimeout, policy)
	} else {
		model, err = classifier.LoadArtifactFile(cfg.ModelPath)
	}
	if err != nil {
		return nil, err
	}
	return scoring.NewEngine(state, model)
}

func openSource(cfg *config.Config, logger *slog.Logger) (stream.Source, error) {
	switch cfg.IngestMode {
	case config.IngestFile:
		return stream.OpenFileSource(cfg.ReplayPath, cfg.CheckpointPath, cfg.BatchSize, logger)
	case config.IngestBatch:
		return stream.NewKafkaSource(stream.KafkaConfig{
			Brokers:   cfg.KafkaBrokers,
			Topic:     cfg.TransactionsTopic,
			GroupID:   cfg.ConsumerGroup,
			BatchSize: cfg.BatchSize,
			Linger:    cfg.BatchLinger,
		})
	default:
		return stream.NewKafkaSource(stream.KafkaConfig{
			Brokers:   cfg.KafkaBrokers,
			Topic:     cfg.TransactionsTopic,
			GroupID:   cfg.ConsumerGroup,
			BatchSize: 1,
		})
	}
}

// openSink returns the remote alert service when ALERT_SINK_URL is set and a
// local alert service over the configured store otherwise.
func openSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (stream.AlertSink, string, func(), error) {
	if cfg.AlertSinkURL != "" {
		return alerts.NewClient(cfg.AlertSinkURL, cfg.RemoteTimeout), cfg.AlertSinkURL, func() {}, nil
	}

	var store alerts.Store
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	switch cfg.AlertStore {
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to open database: %w", err)
		}
		closers = append(closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			closeAll()
			return nil, "", nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			closeAll()
			return nil, "", nil, err
		}
		store = alerts.NewPostgresStore(db)
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
	case config.StoreFile:
		fileStore, err := alerts.OpenFileStore(cfg.AlertLogPath, logger)
		if errors.Is(err, alerts.ErrLogLocked) {
			return nil, "", nil, fmt.Errorf("%w (point ALERT_SINK_URL at the server's alert boundary instead of sharing the log)", err)
		}
		if err != nil {
			return nil, "", nil, err
		}
		store = fileStore
	default:
		store = alerts.NewMemoryStore()
	}

	svc := alerts.NewService(store, cfg.DedupWindow, logger)
	closers = append(closers, svc.Close)

	if cfg.RedisURL != "" {
		guard, rdb, err := alerts.DialRedisGuard(ctx, cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, "", nil, err
		}
		closers = append(closers, rdb.Close)
		svc.WithGuard(guard)
	}
	return svc, "alert-store-" + cfg.AlertStore, closeAll, nil
}

// serveOps exposes /metrics and the health routes until ctx is done.
func serveOps(ctx context.Context, port string, checks *health.Registry, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           opsRouter(checks),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics listener stopped", "error", err)
	}
}
