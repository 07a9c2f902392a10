// Command memory-consumer runs the memory engine's durable JetStream
// consumer group standalone, for deployments that want event processing
// (audit logging, metrics aggregation, downstream mirrors) decoupled
// from the HTTP API process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/synapseai/synapse-mvp/engine/config"
	"github.com/synapseai/synapse-mvp/engine/stream"
	"github.com/synapseai/synapse-mvp/pkg/metrics"
)

func main() {
	metricsPort := flag.Int("metrics-port", 9092, "metrics HTTP port")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metrics.New()
	registry.ServeAsync(*metricsPort)

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Error("nats connect failed", "err", err)
		os.Exit(1)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		logger.Error("nats jetstream failed", "err", err)
		os.Exit(1)
	}

	subject := cfg.StreamName + ".events"
	counters := stream.NewCounters(registry)
	consumer, err := stream.NewConsumer(js, stream.ConsumerOptions{
		StreamName:     cfg.StreamName,
		Subject:        subject,
		ConsumerGroup:  cfg.ConsumerGroup,
		ConsumerPrefix: cfg.ConsumerNamePrefix,
		BatchSize:      cfg.BatchSize,
		BlockMs:        cfg.BlockMs,
	}, counters, nil)
	if err != nil {
		logger.Error("consumer group setup failed", "err", err)
		os.Exit(1)
	}

	logger.Info("memory-consumer starting", "stream", cfg.StreamName, "group", cfg.ConsumerGroup)
	if err := consumer.Run(ctx, logEvent(logger)); err != nil {
		logger.Error("consumer exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("memory-consumer shut down")
}

func logEvent(logger *slog.Logger) stream.Handler {
	return func(_ context.Context, e stream.Event) error {
		logger.Info("memory event", "kind", e.Kind, "scope_key", e.ScopeKey, "logical_id", e.LogicalID)
		return nil
	}
}
