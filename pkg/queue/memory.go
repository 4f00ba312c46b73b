package queue

import (
	"context"
	"sync"

	"imagebot/pkg/envelope"
)

// Memory is an in-process Queue used by tests. Nack redelivers immediately
// with the attempt count incremented, which makes retry scenarios fast and
// deterministic.
type Memory struct {
	mu     sync.Mutex
	items  chan memoryItem
	acked  int
	nacked int
	closed bool
}

type memoryItem struct {
	env     envelope.Envelope
	attempt int
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 128
	}
	return &Memory{items: make(chan memoryItem, buffer)}
}

func (m *Memory) Publish(_ context.Context, env envelope.Envelope) error {
	m.items <- memoryItem{env: env, attempt: 1}
	return nil
}

func (m *Memory) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case it, ok := <-m.items:
				if !ok {
					return
				}
				d := m.wrap(it)
				select {
				case <-ctx.Done():
					return
				case out <- d:
				}
			}
		}
	}()
	return out, nil
}

func (m *Memory) wrap(it memoryItem) Delivery {
	return Delivery{
		Envelope: it.env,
		Attempt:  it.attempt,
		ack: func() error {
			m.mu.Lock()
			m.acked++
			m.mu.Unlock()
			return nil
		},
		nack: func() error {
			m.mu.Lock()
			m.nacked++
			closed := m.closed
			m.mu.Unlock()
			if !closed {
				m.items <- memoryItem{env: it.env, attempt: it.attempt + 1}
			}
			return nil
		},
	}
}

// Inject enqueues an envelope at a specific attempt count, simulating a
// queue-side redelivery or duplicate.
func (m *Memory) Inject(env envelope.Envelope, attempt int) {
	m.items <- memoryItem{env: env, attempt: attempt}
}

func (m *Memory) Acked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

func (m *Memory) Nacked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nacked
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.items)
	}
	return nil
}
