package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rtcheap/consult-manager/internal/models"
	"github.com/streadway/amqp"
)

// AuditExchange fanout exchange receiving every session event.
const AuditExchange = "consultation-events"

// ExchangePublisher publishes raw messages to an exchange.
type ExchangePublisher interface {
	Publish(exchange string, body []byte) error
}

// AuditPublisher forwards session events to a message broker exchange for
// billing and history consumers.
type AuditPublisher struct {
	Exchange  string
	Publisher ExchangePublisher
}

// Publish serializes event and sends it to the exchange.
func (a AuditPublisher) Publish(ctx context.Context, event models.SessionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize json %w", err)
	}

	exchange := a.Exchange
	if exchange == "" {
		exchange = AuditExchange
	}

	err = a.Publisher.Publish(exchange, body)
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", event, exchange, err)
	}

	return nil
}

// AMQPPublisher ExchangePublisher backed by RabbitMQ.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
}

// NewAMQPPublisher connects to RabbitMQ.
func NewAMQPPublisher(amqpURL string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	return &AMQPPublisher{
		conn:     conn,
		channel:  ch,
		declared: make(map[string]bool),
	}, nil
}

// Publish publishes body to the given fanout exchange, declaring it on first use.
func (p *AMQPPublisher) Publish(exchange string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[exchange] {
		err := p.channel.ExchangeDeclare(
			exchange,
			"fanout",
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return err
		}
		p.declared[exchange] = true
	}

	return p.channel.Publish(
		exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Close closes the RabbitMQ channel and connection.
func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
