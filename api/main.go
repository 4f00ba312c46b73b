package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"imagebot/pkg/intake"
	"imagebot/pkg/observability"
	"imagebot/pkg/queue"
)

func main() {
	godotenv.Load()
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	ctx := context.Background()
	q, err := queue.FromEnv(ctx)
	if err != nil {
		slog.Error("failed to connect to queue", "error", err)
		return
	}
	defer q.Close()

	observability.StartMetricsServer(":8081")

	srv := &intake.Server{
		Queue:          q,
		Logger:         logger,
		PublishTimeout: envDuration("PUBLISH_TIMEOUT", 2*time.Second),
	}

	addr := os.Getenv("INTAKE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	slog.Info("intake server starting", "addr", addr)
	if err := srv.Router().Run(addr); err != nil {
		slog.Error("intake server failed", "error", err)
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
