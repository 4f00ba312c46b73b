package idempotency

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
)

// FromEnv builds the store selected by STORE_DRIVER (postgres by default)
// and returns a close function for it.
func FromEnv(ctx context.Context) (Store, func(), error) {
	switch driver := os.Getenv("STORE_DRIVER"); driver {
	case "", "postgres":
		pg, err := NewPostgres(ctx, os.Getenv("DATABASE_URL"))
		if err != nil {
			return nil, nil, err
		}
		if err := pg.InitSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return pg, pg.Close, nil
	case "redis":
		addr := os.Getenv("REDIS_ADDRESS")
		if addr == "" {
			addr = "localhost:6379"
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return NewRedis(rdb), func() { rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", driver)
	}
}
