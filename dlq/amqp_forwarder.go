package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPForwarder mirrors dead letters to a RabbitMQ dead-letter exchange
// so they can be inspected or consumed outside the process. It is a
// mirror, not the source of truth: the in-process store keeps the
// authoritative copy.
type AMQPForwarder struct {
	mu         sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

// AMQPForwarderOption configures the forwarder.
type AMQPForwarderOption func(*AMQPForwarder)

// WithExchange sets the target exchange. Default "resilience.dlx".
func WithExchange(exchange string) AMQPForwarderOption {
	return func(f *AMQPForwarder) {
		f.exchange = exchange
	}
}

// WithRoutingKey sets the routing key. Default "dead-letter".
func WithRoutingKey(key string) AMQPForwarderOption {
	return func(f *AMQPForwarder) {
		f.routingKey = key
	}
}

// NewAMQPForwarder creates a forwarder on an existing connection and
// declares the target exchange.
func NewAMQPForwarder(conn *amqp.Connection, opts ...AMQPForwarderOption) (*AMQPForwarder, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}

	f := &AMQPForwarder{
		conn:       conn,
		exchange:   "resilience.dlx",
		routingKey: "dead-letter",
	}

	for _, opt := range opts {
		opt(f)
	}

	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		f.exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	f.channel = channel
	return f, nil
}

// Forward implements Forwarder. The entry is published as JSON with its
// identifying fields duplicated into headers for broker-side filtering.
func (f *AMQPForwarder) Forward(ctx context.Context, entry Entry) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.channel == nil {
		return fmt.Errorf("forwarder is closed")
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	headers := amqp.Table{
		"x-entry-id":   entry.ID,
		"x-operation":  entry.Name,
		"x-attempts":   int32(entry.Attempts),
		"x-last-error": entry.LastError,
	}

	return f.channel.PublishWithContext(ctx,
		f.exchange,
		f.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			Headers:      headers,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    entry.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Close releases the channel. The connection is owned by the caller.
func (f *AMQPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.channel == nil {
		return nil
	}
	err := f.channel.Close()
	f.channel = nil
	return err
}
