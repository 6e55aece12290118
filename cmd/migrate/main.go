// Command migrate manages the fraud_alerts schema used by ALERT_STORE=postgres.
//
// Usage:
//
//	migrate [-dsn URL] [-timeout 1m] <command> [version]
//
// Commands: up, down, status, version, redo, up-to <version>, down-to <version>.
// The DSN defaults to DATABASE_URL (a .env file is honoured).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/migrations"
)

func main() {
	_ = godotenv.Load()

	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "postgres connection string")
	timeout := flag.Duration("timeout", time.Minute, "overall deadline for the migration run")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: migrate [flags] <up|down|status|version|redo|up-to N|down-to N>")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *dsn == "" {
		logger.Error("no database: set DATABASE_URL or pass -dsn")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	command := flag.Arg(0)
	if err := migrations.Run(ctx, db, command, flag.Args()[1:]...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", command)
}
