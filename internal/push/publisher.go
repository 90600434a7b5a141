package push

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/model"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Publisher sends commands to the all_devices exchange.
type Publisher struct {
	mu   sync.Mutex
	url  string
	conn *amqp.Connection
	ch   Channel
	log  *zap.Logger
}

// NewPublisher wraps an already opened channel.
func NewPublisher(ch Channel, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{ch: ch, log: log}
}

// DialPublisher connects to the broker and declares the exchange.
func DialPublisher(url string, log *zap.Logger) (*Publisher, error) {
	p := NewPublisher(nil, log)
	p.url = url
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := declareExchange(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	p.conn, p.ch = conn, ch
	return nil
}

// PublishCommand sends cmd once. A closed channel is reopened before
// publishing when the publisher owns the connection.
func (p *Publisher) PublishCommand(ctx context.Context, cmd model.PushCommand) error {
	body, err := encode(cmd)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		if p.url == "" {
			return fmt.Errorf("amqp channel closed")
		}
		p.closeLocked()
		if err := p.connect(); err != nil {
			return err
		}
	}
	err = p.ch.PublishWithContext(ctx, Exchange, "", false, false, amqp.Publishing{
		ContentType: contentType,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", cmd.Command, err)
	}
	p.log.Debug("push published", zap.String("command", cmd.Command), zap.String("deviceId", cmd.DeviceID))
	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}
