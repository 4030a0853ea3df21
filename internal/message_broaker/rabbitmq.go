package message_broaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var ErrQueueNotDeclared = errors.New("queue is not declared")

type RabbitMQ struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger

	mu       sync.Mutex
	declared map[string]bool
}

// NewRabbitMQ creates a new instance of RabbitMQ message broker. Queues are bound to
// exchange with their own name as routing key.
func NewRabbitMQ(url, exchange string, prefetch int, logger *zap.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}

	r := &RabbitMQ{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
		declared: make(map[string]bool),
	}
	go r.watchClose()
	return r, nil
}

func (r *RabbitMQ) watchClose() {
	closed := r.conn.NotifyClose(make(chan *amqp.Error, 1))
	if err, ok := <-closed; ok && err != nil {
		r.logger.Error("rabbitmq connection closed", zap.String("reason", err.Reason), zap.Int("code", err.Code))
	}
}

func (r *RabbitMQ) DeclareQueue(ctx context.Context, queue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.declared[queue] {
		return nil
	}
	if _, err := r.channel.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := r.channel.QueueBind(
		queue,
		queue,
		r.exchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	r.declared[queue] = true
	return nil
}

func (r *RabbitMQ) DeleteQueue(ctx context.Context, queue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.channel.QueueDelete(queue, false, false, false); err != nil {
		return fmt.Errorf("delete queue %s: %w", queue, err)
	}
	delete(r.declared, queue)
	return nil
}

func (r *RabbitMQ) Publish(ctx context.Context, queue string, message []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.channel.PublishWithContext(
		ctx,
		r.exchange,
		queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         message,
		},
	)
}

func wrap(msg amqp.Delivery) Delivery {
	return Delivery{
		Body:        msg.Body,
		Redelivered: msg.Redelivered,
		Ack:         func() error { return msg.Ack(false) },
		Nack:        func(requeue bool) error { return msg.Nack(false, requeue) },
	}
}

func (r *RabbitMQ) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	r.mu.Lock()
	msgs, err := r.channel.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)

	go func() {
		defer close(out)

		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- wrap(msg):
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (r *RabbitMQ) Get(ctx context.Context, queue string) (Delivery, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok, err := r.channel.Get(queue, false)
	if err != nil || !ok {
		return Delivery{}, false, err
	}
	return wrap(msg), true, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		_ = r.conn.Close()
		return err
	}
	return r.conn.Close()
}
