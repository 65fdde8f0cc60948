package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	eventExchange    = "ledger_events"
	routingKeyPrefix = "ledger."
)

// AMQPPublisher publishes domain events to a durable RabbitMQ topic exchange.
// Routing keys follow "ledger.<kind>" so consumers can subscribe per event
// kind. Sagas publish concurrently from their own goroutines, so access to
// the shared channel is serialized by a mutex.
type AMQPPublisher struct {
	conn *amqp091.Connection

	mu      sync.Mutex
	channel *amqp091.Channel
}

// NewAMQPPublisher dials the broker with a bounded timeout and declares the
// event exchange.
func NewAMQPPublisher(amqpURL string) (*AMQPPublisher, error) {
	conn, err := amqp091.DialConfig(amqpURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(eventExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", eventExchange, err)
	}

	return &AMQPPublisher{conn: conn, channel: ch}, nil
}

// Publish sends the event as JSON under its kind's routing key.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	pub := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   event.At,
		Body:        body,
	}
	key := routingKeyPrefix + string(event.Kind)

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, eventExchange, key, false, false, pub)
	if err == nil {
		return nil
	}

	// One-shot channel reopen, matching broker restarts without taking the
	// whole service down.
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return err
	}
	p.channel = ch
	if exErr := ch.ExchangeDeclare(eventExchange, "topic", true, false, false, false, nil); exErr != nil {
		return exErr
	}
	return ch.PublishWithContext(ctx, eventExchange, key, false, false, pub)
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	if p.channel != nil {
		p.channel.Close()
	}
	p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
	}
}
