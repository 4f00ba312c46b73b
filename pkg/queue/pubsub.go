package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"imagebot/pkg/envelope"
)

// PubSub implements Queue on Google Cloud Pub/Sub. Redelivery backoff comes
// from the subscription's RetryPolicy; the delivery attempt count is the
// server-tracked one.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
}

// NewPubSub connects and ensures the topic and subscription exist. It uses
// Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func NewPubSub(ctx context.Context, projectID, topicName, subName string) (*PubSub, error) {
	if projectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic, err := ensureTopic(ctx, client, topicName)
	if err != nil {
		client.Close()
		return nil, err
	}
	sub, err := ensureSubscription(ctx, client, subName, topic)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &PubSub{client: client, topic: topic, sub: sub}, nil
}

func ensureTopic(ctx context.Context, c *pubsub.Client, name string) (*pubsub.Topic, error) {
	if name == "" {
		return nil, fmt.Errorf("topic is required")
	}
	t := c.Topic(name)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", name, err)
	}
	return t, nil
}

func ensureSubscription(ctx context.Context, c *pubsub.Client, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	if name == "" {
		return nil, fmt.Errorf("subscription name is required")
	}
	sub := c.Subscription(name)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if ok {
		return sub, nil
	}
	sub, err = c.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 60 * time.Second,
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: 5 * time.Second,
			MaximumBackoff: 5 * time.Minute,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %q: %w", name, err)
	}
	return sub, nil
}

func (p *PubSub) Publish(ctx context.Context, env envelope.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: body})
	_, err = result.Get(ctx)
	return err
}

// Consume bridges sub.Receive onto a Delivery channel. Each Receive handler
// blocks until the worker acks or nacks, which lets the client library keep
// extending the ack deadline while generation runs.
func (p *PubSub) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		err := p.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
			env, err := envelope.Decode(m.Data)
			if err != nil {
				slog.Error("dropping undecodable pubsub message", "error", err)
				m.Ack()
				return
			}
			attempt := 1
			if m.DeliveryAttempt != nil && *m.DeliveryAttempt > 0 {
				attempt = *m.DeliveryAttempt
			}
			done := make(chan struct{})
			d := Delivery{
				Envelope: env,
				Attempt:  attempt,
				ack: func() error {
					m.Ack()
					close(done)
					return nil
				},
				nack: func() error {
					m.Nack()
					close(done)
					return nil
				},
			}
			select {
			case <-ctx.Done():
				m.Nack()
				return
			case out <- d:
			}
			select {
			case <-ctx.Done():
			case <-done:
			}
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("pubsub receive stopped", "error", err)
		}
	}()
	return out, nil
}

func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
