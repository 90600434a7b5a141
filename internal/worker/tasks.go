package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/clock"
	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
	"github.com/ahkfinance/devicelock/internal/secretstore"
)

// Task names.
const (
	NameHeartbeat    = "heartbeat"
	NameDueDate      = "due-date"
	NameCapture      = "location-capture"
	NameSync         = "location-sync"
	NamePaymentLinks = "payment-link-sync"
)

// Patcher writes the device record with create-on-missing fallback.
type Patcher interface {
	PatchDevice(ctx context.Context, id string, f model.Fields) error
}

// Heartbeat stamps lastSeenTimestamp. A failed beat is not retried; the
// next one supersedes it.
type Heartbeat struct {
	Store  *secretstore.Store
	Remote Patcher
	Clock  clock.Clock
}

func (h *Heartbeat) Name() string { return NameHeartbeat }

func (h *Heartbeat) Run(ctx context.Context) error {
	id := h.Store.String(secretstore.KeyDeviceID)
	if id == "" || !h.Store.Bool(secretstore.KeyIsRegistered) {
		return nil
	}
	now := h.Clock.Now().UnixMilli()
	if err := h.Store.Put(secretstore.KeyLastSeenTimestamp, now); err != nil {
		return err
	}
	if err := h.Remote.PatchDevice(ctx, id, model.Fields{model.FieldLastSeenTimestamp: now}); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// DueDateTicker is the state machine's due-date entry point.
type DueDateTicker interface {
	DueDateTick(ctx context.Context) (bool, error)
}

// DueDate raises due-date lock events. It needs no network.
type DueDate struct {
	Machine DueDateTicker
	Log     *zap.Logger
}

func (d *DueDate) Name() string { return NameDueDate }

func (d *DueDate) Run(ctx context.Context) error {
	locked, err := d.Machine.DueDateTick(ctx)
	if err != nil {
		return err
	}
	if locked && d.Log != nil {
		d.Log.Info("device locked by due date")
	}
	return nil
}

// LinkRefresher refreshes the cached payment link.
type LinkRefresher interface {
	Refresh(ctx context.Context) (string, error)
}

// PaymentLinks refreshes the payment-link cache while the registry is reachable.
type PaymentLinks struct {
	Cache  LinkRefresher
	Online func(ctx context.Context) bool
}

func (p *PaymentLinks) Name() string { return NamePaymentLinks }

func (p *PaymentLinks) Run(ctx context.Context) error {
	if p.Online != nil && !p.Online(ctx) {
		return nil
	}
	if _, err := p.Cache.Refresh(ctx); err != nil && !errors.Is(err, errs.ErrNotRegistered) {
		return err
	}
	return nil
}
