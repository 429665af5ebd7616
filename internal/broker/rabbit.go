package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Broker wraps the AMQP connection and owns the topology: one topic
// exchange, the event queue bound to it, and a dead-letter queue for
// messages nacked without requeue.
type Broker struct {
	conn     *amqp.Connection
	exchange string
	queue    string
	prefetch int
	logger   *zap.Logger

	mu  sync.Mutex
	pub *amqp.Channel
}

// Connect dials the broker and declares the exchange/queue topology.
func Connect(url, exchange, queue string, prefetch int, logger *zap.Logger) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	b := &Broker{
		conn:     conn,
		exchange: exchange,
		queue:    queue,
		prefetch: prefetch,
		logger:   logger,
	}
	if err := b.declareTopology(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	b.pub, err = conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	return b, nil
}

func (b *Broker) declareTopology() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open setup channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	dlq := b.queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(dlq, dlq, b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    b.exchange,
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := ch.QueueDeclare(b.queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(b.queue, b.queue, b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Publish sends one persistent JSON message. The publisher channel is
// shared; amqp channels are not goroutine-safe, so publishes serialize
// through a mutex.
func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.pub.PublishWithContext(ctx, b.exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Consume opens a dedicated channel with the configured prefetch and
// returns its delivery stream. The caller owns the channel and must close
// it when the consume loop exits.
func (b *Broker) Consume(consumerTag string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(b.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("register consumer: %w", err)
	}
	return deliveries, ch, nil
}

// Ready reports broker liveness for the readiness probe.
func (b *Broker) Ready() bool {
	return b.conn != nil && !b.conn.IsClosed()
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.pub != nil {
		_ = b.pub.Close()
	}
	b.mu.Unlock()
	return b.conn.Close()
}
