package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"gyrex/internal/constants"
	"gyrex/internal/models"
)

var (
	ErrQueueNotFound  = errors.New("queue not found")
	ErrQueueEmpty     = errors.New("queue is empty")
	ErrInvalidQueueID = errors.New("invalid queue id")
	// ErrClaimLost is returned when a delivery was taken over by another consumer after
	// its visibility timeout ran out.
	ErrClaimLost = errors.New("delivery claim lost")
)

type Options struct {
	// VisibilityTimeout bounds how long a claimed message stays hidden from other
	// consumers while its consumer is alive but does not settle it.
	VisibilityTimeout time.Duration `json:"visibilityTimeout"`
}

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = constants.DefaultVisibilityTimeout
	}
	return o
}

type Service interface {
	// CreateQueue returns the queue with id, creating it if needed.
	CreateQueue(ctx context.Context, id string, opts Options) (Queue, error)
	GetQueue(ctx context.Context, id string, opts Options) (Queue, error)
	DeleteQueue(ctx context.Context, id string) error
}

// Queue is a best effort FIFO queue with at-least-once delivery.
type Queue interface {
	ID() string
	Send(ctx context.Context, msg *models.EventMessage) error
	// Receive waits until a message is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	// TryReceive returns ErrQueueEmpty instead of waiting.
	TryReceive(ctx context.Context) (*Delivery, error)
}

// Delivery is a received message that must be settled with Ack or Nack.
type Delivery struct {
	Message *models.EventMessage
	// Attempt counts deliveries of the message, starting at 1.
	Attempt int

	ack  func(context.Context) error
	nack func(context.Context) error

	once sync.Once
	err  error
}

func (d *Delivery) settle(ctx context.Context, f func(context.Context) error) error {
	d.once.Do(func() { d.err = f(ctx) })
	return d.err
}

// Ack removes the message from the queue.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settle(ctx, d.ack)
}

// Nack releases the message for redelivery.
func (d *Delivery) Nack(ctx context.Context) error {
	return d.settle(ctx, d.nack)
}

// receive polls try until it returns a delivery or a failure other than ErrQueueEmpty.
func receive(ctx context.Context, interval time.Duration, try func(context.Context) (*Delivery, error)) (*Delivery, error) {
	if interval <= 0 {
		interval = constants.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d, err := try(ctx)
		if !errors.Is(err, ErrQueueEmpty) {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
