// Package push carries wake-path lock commands over a RabbitMQ fanout
// exchange. Commands only hint at a change; the device record stays
// authoritative.
package push

import (
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
)

const (
	// Exchange is the fanout every device listens on.
	Exchange = "all_devices"

	contentType    = "application/json"
	reconnectDelay = 5 * time.Second
)

func declareExchange(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		Exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}

func encode(cmd model.PushCommand) ([]byte, error) {
	if cmd.Command != model.CommandLock && cmd.Command != model.CommandUnlock {
		return nil, errs.Validationf("unknown command %q", cmd.Command)
	}
	return json.Marshal(cmd)
}

func decode(body []byte) (model.PushCommand, error) {
	var cmd model.PushCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return cmd, errs.Validationf("bad push body: %v", err)
	}
	if cmd.Command != model.CommandLock && cmd.Command != model.CommandUnlock {
		return cmd, errs.Validationf("unknown command %q", cmd.Command)
	}
	return cmd, nil
}
