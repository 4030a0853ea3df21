package mocks

import (
	"context"
	"errors"
	"sync"

	"gyrex/internal/message_broaker"
)

// MockMessageBroker keeps queues in memory. Nacked messages are put back at the head
// of their queue.
type MockMessageBroker struct {
	mu      sync.Mutex
	queues  map[string][][]byte
	signal  chan struct{}
	closed  bool
	Unacked int
}

func NewMockMessageBroker() *MockMessageBroker {
	return &MockMessageBroker{
		queues: make(map[string][][]byte),
		signal: make(chan struct{}),
	}
}

var _ message_broaker.MessageBroker = (*MockMessageBroker)(nil)

func (m *MockMessageBroker) notifyLocked() {
	close(m.signal)
	m.signal = make(chan struct{})
}

func (m *MockMessageBroker) DeclareQueue(ctx context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("broker is closed")
	}
	if _, ok := m.queues[queue]; !ok {
		m.queues[queue] = nil
	}
	return nil
}

func (m *MockMessageBroker) DeleteQueue(ctx context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.queues, queue)
	return nil
}

func (m *MockMessageBroker) Publish(ctx context.Context, queue string, message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("broker is closed")
	}
	if _, ok := m.queues[queue]; !ok {
		return message_broaker.ErrQueueNotDeclared
	}
	m.queues[queue] = append(m.queues[queue], message)
	m.notifyLocked()
	return nil
}

func (m *MockMessageBroker) popLocked(queue string) (message_broaker.Delivery, bool) {
	msgs := m.queues[queue]
	if len(msgs) == 0 {
		return message_broaker.Delivery{}, false
	}
	body := msgs[0]
	m.queues[queue] = msgs[1:]
	m.Unacked++

	var once sync.Once
	settle := func(requeue bool) error {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.Unacked--
			if requeue {
				if _, ok := m.queues[queue]; ok {
					m.queues[queue] = append([][]byte{body}, m.queues[queue]...)
					m.notifyLocked()
				}
			}
		})
		return nil
	}
	return message_broaker.Delivery{
		Body: body,
		Ack:  func() error { return settle(false) },
		Nack: settle,
	}, true
}

func (m *MockMessageBroker) Get(ctx context.Context, queue string) (message_broaker.Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return message_broaker.Delivery{}, false, errors.New("broker is closed")
	}
	d, ok := m.popLocked(queue)
	return d, ok, nil
}

func (m *MockMessageBroker) Consume(ctx context.Context, queue string) (<-chan message_broaker.Delivery, error) {
	out := make(chan message_broaker.Delivery)

	go func() {
		defer close(out)
		for {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			d, ok := m.popLocked(queue)
			signal := m.signal
			m.mu.Unlock()

			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-signal:
				}
				continue
			}
			select {
			case out <- d:
			case <-ctx.Done():
				_ = d.Nack(true)
				return
			}
		}
	}()

	return out, nil
}

func (m *MockMessageBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	m.notifyLocked()
	return nil
}
