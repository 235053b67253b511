// platformd wires the reliable-processing core: SQLite stores, the AMQP
// queue publisher, the NATS stream publisher, the outbox relay and the
// lease sweeper, run under the service runner until terminated.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/tessera-io/reliable/pkg/command"
	"github.com/tessera-io/reliable/pkg/config"
	"github.com/tessera-io/reliable/pkg/observability"
	"github.com/tessera-io/reliable/pkg/outbox"
	"github.com/tessera-io/reliable/pkg/runner"
	"github.com/tessera-io/reliable/pkg/store/sqlite"
	"github.com/tessera-io/reliable/pkg/transport/amqppub"
	"github.com/tessera-io/reliable/pkg/transport/natspub"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to reliable.yaml (defaults to working directory)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(configPath, logger); err != nil {
		logger.Error("platformd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(
		sqlite.WithDSN(settings.Database.DSN),
		sqlite.WithMaxOpenConns(settings.Database.MaxOpenConns),
		sqlite.WithWALMode(settings.Database.WALMode),
	)
	if err != nil {
		return err
	}
	defer db.Close()

	queue, err := amqppub.New(settings.Queue.URL, settings.Queue.Exchange,
		amqppub.WithPoolSize(settings.Queue.PoolSize),
		amqppub.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer queue.Close()

	streamConfig := natspub.DefaultConfig()
	streamConfig.URL = settings.Stream.URL
	streamConfig.StreamName = settings.Stream.StreamName
	stream, err := natspub.New(streamConfig)
	if err != nil {
		return err
	}
	defer stream.Close()

	tel, err := observability.Init(context.Background(), observability.Config{
		ServiceName:    "platformd",
		ServiceVersion: version,
		Environment:    os.Getenv("RELIABLE_ENVIRONMENT"),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(ctx)
	}()

	relay := outbox.NewRelay(
		sqlite.NewOutboxStore(db), queue, stream,
		outbox.WithInterval(settings.Relay.Interval),
		outbox.WithBatchSize(settings.Relay.BatchSize),
		outbox.WithStuckThreshold(settings.Relay.StuckThreshold),
		outbox.WithLogger(logger),
		outbox.WithMetrics(observability.NewRelayMetrics(tel.Metrics)),
	)

	sweeper := command.NewLeaseSweeper(
		sqlite.NewCommandStore(db), sqlite.NewDLQStore(db), db,
		settings.Command.SweepInterval, 0, settings.Command.MaxRetries, hostname(), logger,
	)

	services := []runner.Service{
		runner.NewPeriodicService("outbox-relay", relay),
		runner.NewPeriodicService("lease-sweeper", sweeper),
	}

	return runner.New(services,
		runner.WithLogger(logger),
	).Run(context.Background())
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "platformd"
	}
	return h
}
