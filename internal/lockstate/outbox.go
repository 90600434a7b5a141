package lockstate

import (
	"context"
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/clock"
	"github.com/ahkfinance/devicelock/internal/controlplane"
	"github.com/ahkfinance/devicelock/internal/model"
)

// outbox coalesces pending remote patches and sends them from its own
// goroutine, retrying until they land or the process stops. Fields queued
// together are sent in one patch.
type outbox struct {
	remote   Remote
	deviceID func() string
	clk      clock.Clock
	backoff  controlplane.Backoff
	log      *zap.Logger

	mu      sync.Mutex
	pending model.Fields
	kick    chan struct{}
}

func newOutbox(remote Remote, deviceID func() string, clk clock.Clock, b controlplane.Backoff, log *zap.Logger) *outbox {
	return &outbox{
		remote:   remote,
		deviceID: deviceID,
		clk:      clk,
		backoff:  b,
		log:      log,
		pending:  model.Fields{},
		kick:     make(chan struct{}, 1),
	}
}

// add merges f into the pending patch. offlineUnlockCount keeps the larger value.
func (o *outbox) add(f model.Fields) {
	o.mu.Lock()
	for k, v := range f {
		if k == model.FieldOfflineUnlockCount && o.pending.Has(k) && o.pending.Int(k) > f.Int(k) {
			continue
		}
		o.pending[k] = v
	}
	o.mu.Unlock()
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// drop discards pending keys, e.g. a local lock value overtaken by a remote command.
func (o *outbox) drop(keys ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, k := range keys {
		delete(o.pending, k)
	}
}

func (o *outbox) snapshot() model.Fields {
	o.mu.Lock()
	defer o.mu.Unlock()
	return maps.Clone(o.pending)
}

// ack removes sent keys unless a newer value was queued meanwhile.
func (o *outbox) ack(sent model.Fields) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for k, v := range sent {
		if cur, ok := o.pending[k]; ok && cur == v {
			delete(o.pending, k)
		}
	}
}

func (o *outbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.kick:
		}
		if err := o.flush(ctx); err != nil {
			return
		}
	}
}

// flush sends until nothing is pending. It only fails when ctx ends.
func (o *outbox) flush(ctx context.Context) error {
	attempt := 0
	for {
		f := o.snapshot()
		if len(f) == 0 {
			return nil
		}
		id := o.deviceID()
		if id == "" {
			o.log.Warn("no device id, remote patch deferred")
			return nil
		}
		err := o.remote.PatchDevice(ctx, id, f)
		if err == nil {
			o.ack(f)
			attempt = 0
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.log.Info("remote patch failed", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retryIn", o.backoff.Delay(attempt)))
		if err := o.backoff.Sleep(ctx, o.clk, attempt); err != nil {
			return err
		}
		attempt++
	}
}
