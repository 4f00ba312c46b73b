package queue

import (
	"context"
	"fmt"
	"os"
)

// FromEnv builds the queue selected by QUEUE_DRIVER (rabbitmq by default).
func FromEnv(ctx context.Context) (Queue, error) {
	switch driver := os.Getenv("QUEUE_DRIVER"); driver {
	case "", "rabbitmq":
		c, err := DialRabbit(os.Getenv("RABBITMQ_URL"), 0)
		if err != nil {
			return nil, err
		}
		if err := c.SetupTopology(); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to setup rabbitmq topology: %w", err)
		}
		return c, nil
	case "pubsub":
		project := pubsubProjectID()
		topic := envOr("PUBSUB_TOPIC", "imagebot.jobs")
		sub := envOr("PUBSUB_SUBSCRIPTION", "imagebot.workers")
		return NewPubSub(ctx, project, topic, sub)
	default:
		return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", driver)
	}
}

func pubsubProjectID() string {
	// Prefer explicit override.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
