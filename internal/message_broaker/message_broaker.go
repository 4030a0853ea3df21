package message_broaker

import "context"

// Delivery is a message handed to a consumer. It stays owned by that consumer until
// Ack or Nack is called; unacknowledged deliveries are redelivered by the broker
// when the consumer goes away.
type Delivery struct {
	Body        []byte
	Redelivered bool
	Ack         func() error
	Nack        func(requeue bool) error
}

type MessageBroker interface {
	DeclareQueue(ctx context.Context, queue string) error
	DeleteQueue(ctx context.Context, queue string) error
	Publish(ctx context.Context, queue string, message []byte) error
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	// Get fetches a single message without waiting. ok is false when the queue is empty.
	Get(ctx context.Context, queue string) (d Delivery, ok bool, err error)
	Close() error
}
