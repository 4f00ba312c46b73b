package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"imagebot/pkg/artifact"
	"imagebot/pkg/chat"
	"imagebot/pkg/dispatch"
	"imagebot/pkg/generate"
	"imagebot/pkg/idempotency"
	"imagebot/pkg/observability"
	"imagebot/pkg/queue"
)

func main() {
	godotenv.Load()
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := queue.FromEnv(ctx)
	if err != nil {
		slog.Error("failed to connect to queue", "error", err)
		return
	}
	defer q.Close()

	store, closeStore, err := idempotency.FromEnv(ctx)
	if err != nil {
		slog.Error("failed to connect to idempotency store", "error", err)
		return
	}
	defer closeStore()

	uploader, err := artifact.NewGCS(ctx, os.Getenv("GCS_BUCKET"))
	if err != nil {
		slog.Error("failed to connect to artifact storage", "error", err)
		return
	}
	defer uploader.Close()

	owner := uuid.NewString()
	d := &dispatch.Dispatcher{
		Store:       store,
		Generator:   generate.NewHTTPGenerator(os.Getenv("GENERATOR_URL"), envDuration("GENERATOR_TIMEOUT", 5*time.Minute)),
		Uploader:    uploader,
		Poster:      chat.NewWebhookPoster(os.Getenv("CHAT_WEBHOOK_URL"), envDuration("POST_TIMEOUT", 10*time.Second)),
		Logger:      logger.With("worker", owner),
		Owner:       owner,
		Lease:       envDuration("CLAIM_LEASE", 10*time.Minute),
		MaxAttempts: envInt("MAX_ATTEMPTS", 5),
	}

	observability.StartMetricsServer(":9091")

	deliveries, err := q.Consume(ctx)
	if err != nil {
		slog.Error("failed to start consuming jobs", "error", err)
		return
	}

	concurrency := envInt("WORKER_CONCURRENCY", 10)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case del, ok := <-deliveries:
					if !ok {
						return
					}
					outcome := d.Handle(ctx, del)
					observability.JobsProcessed.WithLabelValues(string(outcome)).Inc()
				}
			}
		}()
	}

	slog.Info("worker started, waiting for jobs", "owner", owner, "concurrency", concurrency)

	// Graceful shutdown: stop pulling new deliveries and let in-flight jobs
	// finish or remain unacked so the queue redelivers them.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutdown signal received, stopping workers...")
	cancel()
	wg.Wait()
	slog.Info("all workers stopped gracefully")
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
