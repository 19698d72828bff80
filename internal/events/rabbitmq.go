// Package events publishes ledger state changes to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/punchamoorthee/feeledger/internal/domain"
)

// DefaultExchange is the topic exchange ledger events are published to.
const DefaultExchange = "ledger.events"

var ErrPublisherClosed = errors.New("publisher is closed")

// Event is the message body. The routing key is Type, so consumers can bind
// to "transfer.*" or "#".
type Event struct {
	ID          string                  `json:"event_id"`
	Type        string                  `json:"event_type"`
	OccurredAt  time.Time               `json:"occurred_at"`
	Transaction domain.TransactionEntry `json:"transaction"`
}

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher sends ledger events to a durable topic exchange.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	log      *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewRabbitMQPublisher dials url and declares exchange.
func NewRabbitMQPublisher(url, exchange string, log *zap.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := newPublisher(ch, exchange, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, log *zap.Logger) (*RabbitMQPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if log == nil {
		log = zap.NewNop()
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info("event publisher ready", zap.String("exchange", exchange))
	return &RabbitMQPublisher{ch: ch, exchange: exchange, log: log, now: time.Now}, nil
}

// Publish sends one event. It satisfies service.Publisher.
func (p *RabbitMQPublisher) Publish(ctx context.Context, eventType string, entry domain.TransactionEntry) error {
	msg, err := buildMessage(Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		OccurredAt:  p.now().UTC(),
		Transaction: entry,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, eventType, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	p.log.Debug("event published",
		zap.String("event_id", msg.MessageId),
		zap.String("event_type", eventType),
		zap.String("transaction_id", entry.ID),
	)
	return nil
}

func buildMessage(ev Event) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	}, nil
}

// Close closes the channel and connection. Publishing afterwards fails.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
