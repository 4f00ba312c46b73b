package queue

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"imagebot/pkg/envelope"
)

func testEnvelope() envelope.Envelope {
	return envelope.New("msg1", envelope.ActionGenerate, envelope.Payload{
		Prompt:     "a fox",
		ChannelRef: "C1",
		Requester:  "U1",
	})
}

func TestMemoryDeliversPublished(t *testing.T) {
	q := NewMemory(4)
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, testEnvelope()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deliveries, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	select {
	case del := <-deliveries:
		if del.Envelope.Fingerprint != "msg1:generate" || del.Attempt != 1 {
			t.Fatalf("unexpected delivery: %+v", del)
		}
		del.Ack()
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	if q.Acked() != 1 {
		t.Fatalf("acked = %d, want 1", q.Acked())
	}
}

func TestMemoryRedeliversOnNack(t *testing.T) {
	q := NewMemory(4)
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Publish(ctx, testEnvelope())
	deliveries, _ := q.Consume(ctx)

	first := <-deliveries
	first.Nack()

	select {
	case second := <-deliveries:
		if second.Attempt != 2 {
			t.Fatalf("redelivery attempt = %d, want 2", second.Attempt)
		}
		second.Ack()
	case <-time.After(time.Second):
		t.Fatal("nacked delivery was not redelivered")
	}
	if q.Nacked() != 1 {
		t.Fatalf("nacked = %d, want 1", q.Nacked())
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{2, 5 * time.Second},
		{3, 30 * time.Second},
		{4, 5 * time.Minute},
		{9, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := retryDelayFor(tt.attempt); got != tt.want {
			t.Errorf("retryDelayFor(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestAttemptHeaderParsing(t *testing.T) {
	if got := attemptFrom(amqp.Table{attemptHeader: int64(3)}); got != 3 {
		t.Errorf("int64 header: got %d, want 3", got)
	}
	if got := attemptFrom(amqp.Table{attemptHeader: int32(2)}); got != 2 {
		t.Errorf("int32 header: got %d, want 2", got)
	}
	if got := attemptFrom(amqp.Table{}); got != 1 {
		t.Errorf("missing header: got %d, want 1", got)
	}
	if got := attemptFrom(amqp.Table{attemptHeader: "garbage"}); got != 1 {
		t.Errorf("bad header: got %d, want 1", got)
	}
}
