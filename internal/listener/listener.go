// Package listener keeps one live subscription to this device's record and
// turns document snapshots into deduplicated field-change callbacks.
package listener

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/clock"
	"github.com/ahkfinance/devicelock/internal/controlplane"
	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
)

// Source is the registry side of a subscription.
type Source interface {
	GetDevice(ctx context.Context, id string) (model.Fields, error)
	WatchDevice(ctx context.Context, id string) (controlplane.DocStream, error)
}

// Handler receives listener events. Calls are made from the listener
// goroutine, one at a time, in arrival order.
type Handler interface {
	// Connected gets the document fetched once per (re)connect; found is
	// false when the registry has no record for the device yet.
	Connected(ctx context.Context, doc model.Fields, found bool)
	// LockChanged fires only when locked differs from the last value seen.
	LockChanged(ctx context.Context, locked bool)
	// PaymentLinkChanged fires only when paymentLink differs from the last value seen.
	PaymentLinkChanged(ctx context.Context, link string)
}

// Listener owns the single subscription of a process.
type Listener struct {
	src      Source
	deviceID string
	h        Handler
	clk      clock.Clock
	backoff  controlplane.Backoff
	log      *zap.Logger

	started bool
	mu      sync.Mutex

	lastLocked *bool
	lastLink   *string
}

// New builds a listener for deviceID.
func New(src Source, deviceID string, h Handler, clk clock.Clock, log *zap.Logger) *Listener {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		src:      src,
		deviceID: deviceID,
		h:        h,
		clk:      clk,
		backoff:  controlplane.DefaultBackoff,
		log:      log.Named("listener"),
	}
}

// ErrAlreadyRunning is returned by a second Run on the same listener.
var ErrAlreadyRunning = errors.New("listener: already subscribed")

// Run subscribes and blocks until ctx is done. Transport failures are
// retried forever with capped exponential backoff.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.started = true
	l.mu.Unlock()

	attempt := 0
	for {
		delivered, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			attempt = 0
		}
		l.log.Info("subscription lost", zap.Error(err), zap.Duration("retryIn", l.backoff.Delay(attempt)))
		if err := l.backoff.Sleep(ctx, l.clk, attempt); err != nil {
			return nil
		}
		attempt++
	}
}

// session runs one connection. delivered reports whether the connect
// fetch succeeded, which resets the backoff.
func (l *Listener) session(ctx context.Context) (delivered bool, err error) {
	doc, err := l.src.GetDevice(ctx, l.deviceID)
	found := true
	switch {
	case errors.Is(err, errs.ErrNotFound):
		found, doc = false, model.Fields{}
	case err != nil:
		return false, err
	}
	l.h.Connected(ctx, doc, found)
	if found {
		l.remember(doc)
	}

	stream, err := l.src.WatchDevice(ctx, l.deviceID)
	if err != nil {
		return true, err
	}
	for {
		doc, err := stream.Recv()
		if err != nil {
			return true, err
		}
		l.dispatch(ctx, doc)
	}
}

// remember records the connect snapshot as delivered; the handler already
// reconciled it.
func (l *Listener) remember(doc model.Fields) {
	if doc.Has(model.FieldLocked) {
		v := doc.Bool(model.FieldLocked)
		l.lastLocked = &v
	}
	if doc.Has(model.FieldPaymentLink) {
		v := doc.String(model.FieldPaymentLink)
		l.lastLink = &v
	}
}

func (l *Listener) dispatch(ctx context.Context, doc model.Fields) {
	if doc.Has(model.FieldLocked) {
		v := doc.Bool(model.FieldLocked)
		if l.lastLocked == nil || *l.lastLocked != v {
			l.lastLocked = &v
			l.h.LockChanged(ctx, v)
		}
	}
	if doc.Has(model.FieldPaymentLink) {
		v := doc.String(model.FieldPaymentLink)
		if l.lastLink == nil || *l.lastLink != v {
			l.lastLink = &v
			l.h.PaymentLinkChanged(ctx, v)
		}
	}
}
