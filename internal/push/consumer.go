package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/clock"
	"github.com/ahkfinance/devicelock/internal/model"
)

// Handler receives commands addressed to this device.
type Handler func(ctx context.Context, cmd model.PushCommand)

// Consumer subscribes a device to the all_devices exchange.
type Consumer struct {
	url      string
	deviceID string
	handle   Handler
	clk      clock.Clock
	log      *zap.Logger
}

// NewConsumer builds a consumer; Run connects it.
func NewConsumer(url, deviceID string, h Handler, clk clock.Clock, log *zap.Logger) *Consumer {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{url: url, deviceID: deviceID, handle: h, clk: clk, log: log.Named("push")}
}

// Run consumes until ctx is done, reconnecting after broker failures.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("push session ended, reconnecting", zap.Error(err), zap.Duration("in", reconnectDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-c.clk.After(reconnectDelay):
		}
	}
}

func (c *Consumer) session(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := declareExchange(ch); err != nil {
		return err
	}
	// Server-named, exclusive and auto-deleted: one private queue per connection.
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	tag := "agent-" + uuid.Must(uuid.NewV4()).String()
	msgs, err := ch.Consume(q.Name, tag, false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Info("push consumer started", zap.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
			return ctx.Err()
		case aerr := <-closed:
			if aerr == nil {
				return errors.New("connection closed")
			}
			return aerr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.deliver(ctx, d)
		}
	}
}

// deliver acks every message: a command for another device or a malformed
// body is dropped, never redelivered.
func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	cmd, err := decode(d.Body)
	if err != nil {
		c.log.Warn("push dropped", zap.Error(err))
		_ = d.Ack(false)
		return
	}
	if cmd.DeviceID != "" && cmd.DeviceID != c.deviceID {
		_ = d.Ack(false)
		return
	}
	c.handle(ctx, cmd)
	_ = d.Ack(false)
}
