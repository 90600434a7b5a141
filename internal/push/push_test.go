package push

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
)

type fakeChannel struct {
	published []amqp.Publishing
	exchange  string
	closed    bool
	err       error
}

var _ Channel = (*fakeChannel)(nil)

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, _ string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.exchange = exchange
	f.published = append(f.published, msg)
	return nil
}
func (f *fakeChannel) IsClosed() bool { return f.closed }
func (f *fakeChannel) Close() error   { f.closed = true; return nil }

type acker struct{ acks, nacks int }

func (a *acker) Ack(uint64, bool) error        { a.acks++; return nil }
func (a *acker) Nack(uint64, bool, bool) error { a.nacks++; return nil }
func (a *acker) Reject(uint64, bool) error     { a.nacks++; return nil }

func TestPublisher_PublishCommand(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{}
	p := NewPublisher(ch, zaptest.NewLogger(t))

	require.NoError(t, p.PublishCommand(context.Background(), model.PushCommand{Command: model.CommandLock, DeviceID: "d1"}))
	require.Equal(t, Exchange, ch.exchange)
	require.Len(t, ch.published, 1)
	require.Equal(t, contentType, ch.published[0].ContentType)

	var got model.PushCommand
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &got))
	require.Equal(t, model.PushCommand{Command: model.CommandLock, DeviceID: "d1"}, got)

	err := p.PublishCommand(context.Background(), model.PushCommand{Command: "wipe"})
	require.ErrorIs(t, err, errs.ErrValidation)

	ch.err = errors.New("flow control")
	require.Error(t, p.PublishCommand(context.Background(), model.PushCommand{Command: model.CommandUnlock}))
}

func TestPublisher_ClosedChannelWithoutURL(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{closed: true}
	p := NewPublisher(ch, nil)
	require.Error(t, p.PublishCommand(context.Background(), model.PushCommand{Command: model.CommandLock}))
	require.Empty(t, ch.published)
}

func TestConsumer_DeliverFiltersByDevice(t *testing.T) {
	t.Parallel()

	var got []model.PushCommand
	c := NewConsumer("", "dev-1", func(_ context.Context, cmd model.PushCommand) {
		got = append(got, cmd)
	}, nil, zaptest.NewLogger(t))

	ack := &acker{}
	deliver := func(body string) {
		c.deliver(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte(body)})
	}

	deliver(`{"command":"lock"}`)
	deliver(`{"command":"unlock","deviceId":"dev-1"}`)
	deliver(`{"command":"lock","deviceId":"dev-2"}`)
	deliver(`not json`)
	deliver(`{"command":"format"}`)

	require.Equal(t, []model.PushCommand{
		{Command: model.CommandLock},
		{Command: model.CommandUnlock, DeviceID: "dev-1"},
	}, got)
	require.Equal(t, 5, ack.acks)
	require.Zero(t, ack.nacks)
}
