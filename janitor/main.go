package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"imagebot/pkg/idempotency"
	"imagebot/pkg/observability"
)

// The janitor owns retention for terminal idempotency records; the core
// pipeline never deletes them. A redis lock keeps concurrent janitor
// instances from sweeping at the same time.
func main() {
	godotenv.Load()
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	ctx := context.Background()
	store, err := idempotency.NewPostgres(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		return
	}
	defer store.Close()

	redisAddr := os.Getenv("REDIS_ADDRESS")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	locker := redislock.New(rdb)

	retention := envDuration("RETENTION", 30*24*time.Hour)
	interval := envDuration("SWEEP_INTERVAL", time.Hour)
	id := uuid.NewString()

	slog.Info("janitor started", "id", id, "retention", retention, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sweep(ctx, store, locker, retention)
		<-ticker.C
	}
}

func sweep(ctx context.Context, store *idempotency.Postgres, locker *redislock.Client, retention time.Duration) {
	lock, err := locker.Obtain(ctx, "janitor:sweep", time.Minute, nil)
	if err == redislock.ErrNotObtained {
		slog.Info("another janitor holds the sweep lock, skipping")
		return
	}
	if err != nil {
		slog.Error("failed to obtain sweep lock", "error", err)
		return
	}
	defer lock.Release(ctx)

	n, err := store.DeleteExpired(ctx, retention)
	if err != nil {
		slog.Error("failed to delete expired records", "error", err)
		return
	}
	if n > 0 {
		slog.Info("expired terminal records deleted", "count", n)
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
