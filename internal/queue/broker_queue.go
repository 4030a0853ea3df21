package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gyrex/internal/constants"
	"gyrex/internal/message_broaker"
	"gyrex/internal/models"
)

// BrokerService maps queues onto durable broker queues. Unacknowledged deliveries
// are requeued by the broker when the consumer's channel goes away, so no visibility
// timeout is tracked here.
type BrokerService struct {
	broker       message_broaker.MessageBroker
	pollInterval time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	queues map[string]*brokerQueue
}

func NewBrokerService(broker message_broaker.MessageBroker, logger *zap.Logger) *BrokerService {
	return &BrokerService{
		broker:       broker,
		pollInterval: constants.DefaultPollInterval,
		logger:       logger,
		queues:       make(map[string]*brokerQueue),
	}
}

var _ Service = (*BrokerService)(nil)

func (s *BrokerService) CreateQueue(ctx context.Context, id string, opts Options) (Queue, error) {
	if !models.ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQueueID, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[id]; ok {
		return q, nil
	}
	if err := s.broker.DeclareQueue(ctx, id); err != nil {
		return nil, err
	}
	q := &brokerQueue{service: s, id: id}
	s.queues[id] = q
	return q, nil
}

// GetQueue only knows queues created through this service.
func (s *BrokerService) GetQueue(ctx context.Context, id string, opts Options) (Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, id)
	}
	return q, nil
}

func (s *BrokerService) DeleteQueue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[id]; ok {
		q.stop()
		delete(s.queues, id)
	}
	return s.broker.DeleteQueue(ctx, id)
}

type brokerQueue struct {
	service *BrokerService
	id      string

	mu         sync.Mutex
	deliveries <-chan message_broaker.Delivery
	cancel     context.CancelFunc
}

func (q *brokerQueue) ID() string {
	return q.id
}

func (q *brokerQueue) Send(ctx context.Context, msg *models.EventMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	if err := q.service.broker.Publish(ctx, q.id, body); err != nil {
		return fmt.Errorf("send to queue %s: %w", q.id, err)
	}
	return nil
}

func (q *brokerQueue) consumer() (<-chan message_broaker.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deliveries != nil {
		return q.deliveries, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := q.service.broker.Consume(ctx, q.id)
	if err != nil {
		cancel()
		return nil, err
	}
	q.deliveries, q.cancel = ch, cancel
	return ch, nil
}

func (q *brokerQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
		q.cancel, q.deliveries = nil, nil
	}
}

func (q *brokerQueue) Receive(ctx context.Context) (*Delivery, error) {
	ch, err := q.consumer()
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-ch:
			if !ok {
				q.stop()
				return nil, fmt.Errorf("consumer of queue %s closed", q.id)
			}
			if delivery := q.decode(d); delivery != nil {
				return delivery, nil
			}
		}
	}
}

func (q *brokerQueue) TryReceive(ctx context.Context) (*Delivery, error) {
	for {
		d, ok, err := q.service.broker.Get(ctx, q.id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrQueueEmpty
		}
		if delivery := q.decode(d); delivery != nil {
			return delivery, nil
		}
	}
}

// decode drops undecodable messages since redelivering them cannot help.
func (q *brokerQueue) decode(d message_broaker.Delivery) *Delivery {
	var msg models.EventMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		q.service.logger.Error("dropping malformed message", zap.String("queue", q.id), zap.Error(err))
		_ = d.Nack(false)
		return nil
	}
	attempt := 1
	if d.Redelivered {
		attempt = 2
	}
	return &Delivery{
		Message: &msg,
		Attempt: attempt,
		ack:     func(context.Context) error { return d.Ack() },
		nack:    func(context.Context) error { return d.Nack(true) },
	}
}
