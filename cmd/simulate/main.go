// fraudwatch simulate - replays a transaction CSV into Kafka, or directly
// through the scoring and alert APIs.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/fraudwatch/internal/alerts"
	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/simulate"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

func main() {
	data := flag.String("data", "data/sample_transactions.csv", "transaction CSV to replay")
	mode := flag.String("mode", "kafka", "kafka: produce to the transactions topic; direct: call the HTTP APIs")
	delay := flag.Duration("delay", 2*time.Second, "pause between transactions")
	loop := flag.Bool("loop", false, "start over at the end of the file")
	limit := flag.Int("limit", 0, "stop after this many transactions (0 = no limit)")
	scoringURL := flag.String("scoring-url", "http://localhost:8080", "scoring API for direct mode")
	alertsURL := flag.String("alerts-url", "", "alert API for direct mode (defaults to scoring-url)")
	flag.Parse()

	logger := logging.New("info", "text")

	f, err := os.Open(*data)
	if err != nil {
		logger.Error("open transactions", "error", err)
		os.Exit(1)
	}
	records, err := transaction.ReadCSV(f)
	_ = f.Close()
	if err != nil {
		logger.Error("read transactions", "path", *data, "error", err)
		os.Exit(1)
	}
	logger.Info("transactions loaded", "count", len(records), "mode", *mode, "delay", delay.String(), "loop", *loop)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := simulate.Options{Delay: *delay, Loop: *loop, Limit: *limit}
	var st simulate.Stats

	switch *mode {
	case "kafka":
		cfg, err := config.Load()
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		w := simulate.NewKafkaWriter(cfg.KafkaBrokers, cfg.TransactionsTopic)
		defer w.Close()
		st, err = simulate.ToKafka(ctx, w, records, opts, logger)
		if err != nil {
			logger.Error("replay failed", "error", err)
			os.Exit(1)
		}
	case "direct":
		if *alertsURL == "" {
			*alertsURL = *scoringURL
		}
		st, err = simulate.Direct(ctx,
			scoring.NewClient(*scoringURL, 5*time.Second),
			alerts.NewClient(*alertsURL, 5*time.Second),
			records, opts, logger)
		if err != nil {
			logger.Error("replay failed", "error", err)
			os.Exit(1)
		}
	default:
		logger.Error("unknown mode", "mode", *mode)
		os.Exit(2)
	}

	logger.Info("replay finished",
		"sent", st.Sent,
		"flagged", st.Flagged,
		"alerts", st.Alerts,
		"failures", st.Failures,
	)
}
