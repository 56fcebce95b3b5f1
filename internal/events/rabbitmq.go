// Package events publishes ledger outcomes to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/rabbitmq/amqp091-go"
)

const (
	RoutingCompleted = "transfer.completed"
	RoutingFailed    = "transfer.failed"
	RoutingCancelled = "transfer.cancelled"
)

// Publisher is implemented by the RabbitMQ producer and its fallback.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
	PublishTransferEvent(ctx context.Context, event domain.TransferEvent) error
	Close()
}

// RoutingKey picks the topic for a terminal ledger status.
func RoutingKey(status domain.TransactionStatus) string {
	switch status {
	case domain.StatusCompleted:
		return RoutingCompleted
	case domain.StatusCancelled:
		return RoutingCancelled
	}
	return RoutingFailed
}

// EventProducer holds the RabbitMQ connection and channel for publishing.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *slog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewEventProducer(amqpURL, exchange string, logger *slog.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	p := &EventProducer{conn: conn, channel: ch, exchange: exchange, logger: logger}
	if err := p.declare(); err != nil {
		p.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return p, nil
}

func (p *EventProducer) declare() error {
	return p.channel.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // autoDelete
		false,      // internal
		false,      // noWait
		nil,        // args
	)
}

// reopen replaces a channel closed by a broker-side error.
func (p *EventProducer) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return p.declare()
}

func (p *EventProducer) Publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed, reopening channel", "exchange", p.exchange, "routing_key", routingKey, "error", err)
	if reopenErr := p.reopen(); reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

func (p *EventProducer) PublishTransferEvent(ctx context.Context, event domain.TransferEvent) error {
	return p.Publish(ctx, RoutingKey(event.Status), event)
}

func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Fallback is a no-op publisher used when RabbitMQ is not configured or is
// unreachable at startup.
type Fallback struct {
	Logger *slog.Logger
}

func (f *Fallback) Publish(_ context.Context, routingKey string, _ any) error {
	f.Logger.Debug("event publish skipped", "routing_key", routingKey)
	return nil
}

func (f *Fallback) PublishTransferEvent(ctx context.Context, event domain.TransferEvent) error {
	return f.Publish(ctx, RoutingKey(event.Status), event)
}

func (f *Fallback) Close() {}

// Connect returns a live producer, or the fallback when url is empty or the
// broker cannot be reached.
func Connect(amqpURL, exchange string, logger *slog.Logger) Publisher {
	if strings.TrimSpace(amqpURL) == "" {
		logger.Info("RABBITMQ_URL not set, transfer events disabled")
		return &Fallback{Logger: logger}
	}
	producer, err := NewEventProducer(amqpURL, exchange, logger)
	if err != nil {
		logger.Warn("rabbitmq unavailable, transfer events disabled", "error", err)
		return &Fallback{Logger: logger}
	}
	logger.Info("connected to rabbitmq", "exchange", exchange)
	return producer
}
