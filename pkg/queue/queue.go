package queue

import (
	"context"

	"imagebot/pkg/envelope"
)

// Delivery is one at-least-once delivery of an envelope. Attempt counts
// deliveries of this envelope including the current one; it is owned by the
// queue, not by the application.
//
// Exactly one of Ack or Nack must be called. Ack removes the message for
// good; Nack schedules a redelivery after the queue's backoff for the next
// attempt.
type Delivery struct {
	Envelope envelope.Envelope
	Attempt  int

	ack  func() error
	nack func() error
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

func (d Delivery) Nack() error {
	if d.nack == nil {
		return nil
	}
	return d.nack()
}

// Queue is the durable hand-off channel between the intake service and
// workers. Implementations guarantee at-least-once delivery with bounded
// redelivery backoff; they guarantee nothing about ordering and may deliver
// duplicates.
type Queue interface {
	Publish(ctx context.Context, env envelope.Envelope) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}
