package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"imagebot/pkg/envelope"
)

const (
	JobsExchange    = "jobs.exchange"
	DLXExchange     = "jobs.dlx"
	RetryExchange   = "jobs.retry.exchange"
	JobsQueue       = "jobs.queue.generate"
	DeadLetterQueue = "jobs.dead_letter.queue"

	jobsRoutingKey = string(envelope.ActionGenerate)
	attemptHeader  = "x-attempt"
)

var retryDelays = []time.Duration{5 * time.Second, 30 * time.Second, 5 * time.Minute}

// Rabbit implements Queue on RabbitMQ. Redelivery backoff uses TTL retry
// queues that dead-letter back into the main jobs exchange; messages that
// cannot be decoded go to the dead-letter queue.
type Rabbit struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	prefetch int
}

func DialRabbit(url string, prefetch int) (*Rabbit, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if prefetch <= 0 {
		prefetch = 10
	}
	return &Rabbit{conn: conn, ch: ch, prefetch: prefetch}, nil
}

// SetupTopology declares all necessary exchanges and queues. Idempotent.
func (c *Rabbit) SetupTopology() error {
	// Main exchange for jobs
	if err := c.ch.ExchangeDeclare(JobsExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	// Dead-letter exchange
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	// Retry exchange
	if err := c.ch.ExchangeDeclare(RetryExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}

	// Dead-letter queue
	_, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	// Main jobs queue
	_, err = c.ch.QueueDeclare(JobsQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DLXExchange, // Undecodable messages go to DLX
	})
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(JobsQueue, jobsRoutingKey, JobsExchange, false, nil); err != nil {
		return err
	}

	// Retry queues with TTL
	for _, delay := range retryDelays {
		queueName := fmt.Sprintf("jobs.retry.queue.%ds", int(delay.Seconds()))
		routingKey := fmt.Sprintf("retry.%ds", int(delay.Seconds()))
		_, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    JobsExchange, // After TTL, send back to main jobs exchange
			"x-message-ttl":             int64(delay.Milliseconds()),
			"x-dead-letter-routing-key": jobsRoutingKey,
		})
		if err != nil {
			return err
		}
		if err := c.ch.QueueBind(queueName, routingKey, RetryExchange, false, nil); err != nil {
			return err
		}
	}

	return nil
}

// Publish sends an envelope to the main jobs exchange. The caller bounds the
// wait with ctx; intake uses a short timeout so the webhook ack stays inside
// its latency budget.
func (c *Rabbit) Publish(ctx context.Context, env envelope.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	return c.ch.PublishWithContext(ctx,
		JobsExchange,
		jobsRoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Headers:      amqp.Table{attemptHeader: int64(1)},
		})
}

// publishRetry re-publishes an envelope into the TTL retry tier for the given
// upcoming attempt. RabbitMQ routes it back to the jobs exchange after the TTL.
func (c *Rabbit) publishRetry(ctx context.Context, body []byte, attempt int) error {
	delay := retryDelayFor(attempt)
	routingKey := fmt.Sprintf("retry.%ds", int(delay.Seconds()))
	return c.ch.PublishWithContext(ctx,
		RetryExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Headers:      amqp.Table{attemptHeader: int64(attempt)},
		})
}

func retryDelayFor(attempt int) time.Duration {
	// attempt is the upcoming delivery attempt: attempt 2 is the first retry.
	switch attempt {
	case 2:
		return retryDelays[0]
	case 3:
		return retryDelays[1]
	default:
		return retryDelays[2]
	}
}

// Consume starts delivering envelopes with manual acknowledgment. Nack on a
// delivery re-publishes it to the retry tier and acks the original, so
// redelivery arrives after the tier's TTL rather than immediately.
func (c *Rabbit) Consume(ctx context.Context) (<-chan Delivery, error) {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, err
	}
	msgs, err := c.ch.Consume(
		JobsQueue,
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				env, err := envelope.Decode(msg.Body)
				if err != nil {
					slog.Error("dropping undecodable message to DLX", "error", err)
					msg.Nack(false, false) // dead-letter, do not requeue
					continue
				}
				d := Delivery{
					Envelope: env,
					Attempt:  attemptFrom(msg.Headers),
					ack: func() error {
						return msg.Ack(false)
					},
				}
				body := msg.Body
				attempt := d.Attempt
				d.nack = func() error {
					if err := c.publishRetry(context.Background(), body, attempt+1); err != nil {
						// Could not reach the retry tier; fall back to an
						// immediate requeue so the message is not lost.
						return msg.Nack(false, true)
					}
					return msg.Ack(false)
				}
				select {
				case <-ctx.Done():
					msg.Nack(false, true)
					return
				case out <- d:
				}
			}
		}
	}()
	return out, nil
}

func attemptFrom(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

func (c *Rabbit) Close() error {
	c.ch.Close()
	return c.conn.Close()
}
