// Package lockstate is the agent's lock state machine. Every transition runs
// on one actor goroutine; for a single transition the secret store is
// written first, then the privilege tier is driven, then the remote patch
// is queued. Remote failures never roll back local state.
package lockstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/clock"
	"github.com/ahkfinance/devicelock/internal/controlplane"
	"github.com/ahkfinance/devicelock/internal/crypto"
	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/listener"
	"github.com/ahkfinance/devicelock/internal/model"
	"github.com/ahkfinance/devicelock/internal/privilege"
	"github.com/ahkfinance/devicelock/internal/secretstore"
)

const (
	inboxSize    = 32
	stateBuffer  = 8
	drainTimeout = 5 * time.Second
)

// ErrStopped is returned by calls made after the actor has shut down.
var ErrStopped = errors.New("lockstate: stopped")

// Privilege is the effector driven on lock transitions.
type Privilege interface {
	Kind() privilege.Kind
	BlockKeyguardBypass() privilege.Bypass
	LockScreenNow(ctx context.Context) error
	ShowLockOverlay(ctx context.Context) error
	DismissLockOverlay(ctx context.Context) error
	EnableSequentialLock(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Remote receives the device's own patches.
type Remote interface {
	PatchDevice(ctx context.Context, id string, f model.Fields) error
}

// State is what the host UI observes.
type State struct {
	Registered         bool
	Locked             bool
	Tier               privilege.Kind
	Bypass             privilege.Bypass
	OfflineUnlockCount int64
	Source             model.LockSource // source of the last transition
	Warning            string
}

// Options tunes a Machine.
type Options struct {
	Clock    clock.Clock
	Location *time.Location // zone for due dates; time.Local when nil
	Backoff  controlplane.Backoff
	// DefaultPaymentLink seeds the store at registration.
	DefaultPaymentLink string
	Logger             *zap.Logger
}

// Machine is the lock state actor.
type Machine struct {
	store *secretstore.Store
	priv  Privilege
	out   *outbox
	clk   clock.Clock
	loc   *time.Location
	link  string
	log   *zap.Logger

	inbox   chan func(context.Context)
	stopped chan struct{}
	once    sync.Once

	// owned by the actor goroutine
	source  model.LockSource
	warning string

	subMu sync.Mutex
	subs  map[chan State]struct{}
}

var _ listener.Handler = (*Machine)(nil)

// New builds a machine. Run must be called to process requests.
func New(store *secretstore.Store, priv Privilege, remote Remote, o Options) *Machine {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Backoff == (controlplane.Backoff{}) {
		o.Backoff = controlplane.DefaultBackoff
	}
	if o.DefaultPaymentLink == "" {
		o.DefaultPaymentLink = model.DefaultPayment
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	log := o.Logger.Named("lockstate")
	m := &Machine{
		store:   store,
		priv:    priv,
		clk:     o.Clock,
		loc:     o.Location,
		link:    o.DefaultPaymentLink,
		log:     log,
		inbox:   make(chan func(context.Context), inboxSize),
		stopped: make(chan struct{}),
		subs:    map[chan State]struct{}{},
	}
	m.out = newOutbox(remote, m.deviceID, o.Clock, o.Backoff, log.Named("outbox"))
	return m
}

func (m *Machine) deviceID() string { return m.store.String(secretstore.KeyDeviceID) }

// Run processes requests until ctx is done, then drains the inbox and
// releases the privilege tier. It returns ErrStopped when called twice.
func (m *Machine) Run(ctx context.Context) error {
	started := false
	m.once.Do(func() { started = true })
	if !started {
		return ErrStopped
	}
	defer close(m.stopped)

	outCtx, stopOut := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.out.run(outCtx)
	}()
	defer func() {
		stopOut()
		wg.Wait()
	}()

	for {
		select {
		case fn := <-m.inbox:
			fn(ctx)
		case <-ctx.Done():
			m.shutdown(ctx)
			return nil
		}
	}
}

func (m *Machine) shutdown(ctx context.Context) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	for {
		select {
		case fn := <-m.inbox:
			fn(dctx)
			continue
		default:
		}
		break
	}
	if err := m.priv.Release(dctx); err != nil {
		m.log.Warn("privilege release failed", zap.Error(err))
	}
	m.log.Info("lock state machine stopped")
}

// call runs fn on the actor and waits for its result.
func (m *Machine) call(ctx context.Context, fn func(context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case m.inbox <- func(c context.Context) { reply <- fn(c) }:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.stopped:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Boot restores the enforced state from the store. A registered, locked
// device gets its lock screen before anything is subscribed.
func (m *Machine) Boot(ctx context.Context) error {
	return m.call(ctx, func(ctx context.Context) error {
		if !m.store.Bool(secretstore.KeyIsRegistered) {
			m.log.Info("boot: device not registered")
			m.publish()
			return nil
		}
		locked := m.store.Bool(secretstore.KeyLocked)
		m.log.Info("boot", zap.Bool("locked", locked))
		if m.store.Bool(secretstore.KeyKioskMode) != locked {
			if err := m.store.Put(secretstore.KeyKioskMode, locked); err != nil {
				return err
			}
		}
		m.source = model.SourceBoot
		m.drive(ctx, locked)
		m.publish()
		return nil
	})
}

// Register binds the device to pin and model. Repeating it with the same
// PIN leaves the stored state untouched; a different PIN on a registered
// device is rejected.
func (m *Machine) Register(ctx context.Context, pin, deviceModel string) error {
	if err := crypto.ValidatePIN(pin); err != nil {
		return err
	}
	if deviceModel == "" {
		return errs.Validationf("device model required")
	}
	return m.call(ctx, func(ctx context.Context) error {
		id := m.deviceID()
		if id == "" {
			return fmt.Errorf("lockstate: register: no device id")
		}
		if m.store.Bool(secretstore.KeyIsRegistered) {
			if crypto.VerifyPIN(pin, m.store.String(secretstore.KeyPINHash)) {
				return nil
			}
			return fmt.Errorf("%w: device already registered", errs.ErrAlreadyExists)
		}

		hash := crypto.HashPIN(pin)
		now := m.clk.Now().UnixMilli()
		sequential := m.priv.Kind() == privilege.DeviceAdmin
		err := m.store.Edit(func(b *secretstore.Batch) error {
			for k, v := range map[secretstore.Key]any{
				secretstore.KeyPINHash:                hash,
				secretstore.KeyDeviceModel:            deviceModel,
				secretstore.KeyIsRegistered:           true,
				secretstore.KeyOfflineUnlockCount:     int64(0),
				secretstore.KeyLocked:                 false,
				secretstore.KeyKioskMode:              false,
				secretstore.KeyNativeLockDisabled:     false,
				secretstore.KeySequentialLockMode:     sequential,
				secretstore.KeyPaymentLink:            m.link,
				secretstore.KeyPaymentLinkLastUpdated: now,
			} {
				if err := b.Set(k, v); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("lockstate: register: %w", err)
		}

		if sequential {
			if _, err := m.priv.EnableSequentialLock(ctx); err != nil {
				m.log.Warn("sequential lock mode not enabled", zap.Error(err))
			}
		}

		m.out.add(model.Fields{
			model.FieldPINHash:            hash,
			model.FieldDeviceModel:        deviceModel,
			model.FieldOfflineUnlockCount: int64(0),
			model.FieldLocked:             false,
		})
		m.log.Info("device registered", zap.String("deviceId", id), zap.String("model", deviceModel))
		m.publish()
		return nil
	})
}

// LockChanged applies a lock command observed on the device record.
// Unregistered devices ignore it.
func (m *Machine) LockChanged(ctx context.Context, locked bool) {
	err := m.call(ctx, func(ctx context.Context) error {
		if !m.store.Bool(secretstore.KeyIsRegistered) {
			m.log.Info("remote lock change ignored, device not registered", zap.Bool("locked", locked))
			return nil
		}
		m.out.drop(model.FieldLocked)
		return m.transition(ctx, model.SourceRemote, locked, nil, nil)
	})
	if err != nil {
		m.log.Error("remote lock change not applied", zap.Bool("locked", locked), zap.Error(err))
	}
}

// PaymentLinkChanged stores a link pushed by the registry.
func (m *Machine) PaymentLinkChanged(ctx context.Context, link string) {
	err := m.call(ctx, func(context.Context) error {
		return m.setPaymentLink(link)
	})
	if err != nil {
		m.log.Error("payment link not stored", zap.Error(err))
	}
}

func (m *Machine) setPaymentLink(link string) error {
	if link == "" {
		link = m.link
	}
	now := m.clk.Now().UnixMilli()
	return m.store.Edit(func(b *secretstore.Batch) error {
		if err := b.Set(secretstore.KeyPaymentLink, link); err != nil {
			return err
		}
		return b.Set(secretstore.KeyPaymentLinkLastUpdated, now)
	})
}

// mirrored are the display fields copied from the record on connect.
var mirrored = []string{
	model.FieldDueDate,
	model.FieldDueAmount,
	model.FieldDueDetails,
	model.FieldCustomerName,
	model.FieldCustomerPhone,
	model.FieldIMEI,
	model.FieldDeviceModel,
	model.FieldPaymentLink,
}

// Connected reconciles local state with the record fetched on (re)connect.
// Display fields are mirrored, pinHash is adopted when missing locally and
// offlineUnlockCount takes the larger value. A diverging locked value
// follows the record unless this device has offline unlocks the record has
// not seen, in which case the local value is pushed.
func (m *Machine) Connected(ctx context.Context, doc model.Fields, found bool) {
	err := m.call(ctx, func(ctx context.Context) error {
		if !found {
			return m.repairMissing()
		}
		return m.reconcile(ctx, doc)
	})
	if err != nil {
		m.log.Error("connect reconcile failed", zap.Error(err))
	}
}

// repairMissing recreates the record of a registered device.
func (m *Machine) repairMissing() error {
	if !m.store.Bool(secretstore.KeyIsRegistered) {
		return nil
	}
	m.log.Warn("device record missing, recreating")
	f := model.Fields{
		model.FieldLocked:             m.store.Bool(secretstore.KeyLocked),
		model.FieldOfflineUnlockCount: m.store.Int(secretstore.KeyOfflineUnlockCount),
	}
	for _, k := range []secretstore.Key{secretstore.KeyPINHash, secretstore.KeyDeviceModel} {
		if v := m.store.String(k); v != "" {
			f[string(k)] = v
		}
	}
	if t := m.store.Int(secretstore.KeyLastOfflineUnlock); t > 0 {
		f[model.FieldLastOfflineUnlock] = t
	}
	m.out.add(f)
	return nil
}

func (m *Machine) reconcile(ctx context.Context, doc model.Fields) error {
	localCount := m.store.Int(secretstore.KeyOfflineUnlockCount)
	remoteCount := doc.Int(model.FieldOfflineUnlockCount)
	localLocked := m.store.Bool(secretstore.KeyLocked)
	registered := m.store.Bool(secretstore.KeyIsRegistered) ||
		doc.String(model.FieldPINHash) != "" || m.store.String(secretstore.KeyPINHash) != ""
	now := m.clk.Now().UnixMilli()

	err := m.store.Edit(func(b *secretstore.Batch) error {
		for _, k := range mirrored {
			if !doc.Has(k) {
				continue
			}
			if err := b.Set(secretstore.Key(k), doc.String(k)); err != nil {
				return err
			}
			if k == model.FieldPaymentLink {
				if err := b.Set(secretstore.KeyPaymentLinkLastUpdated, now); err != nil {
					return err
				}
			}
		}
		if h := doc.String(model.FieldPINHash); h != "" && b.String(secretstore.KeyPINHash) == "" {
			if err := b.Set(secretstore.KeyPINHash, h); err != nil {
				return err
			}
		}
		if remoteCount > localCount {
			if err := b.Set(secretstore.KeyOfflineUnlockCount, remoteCount); err != nil {
				return err
			}
		}
		if registered {
			return b.Set(secretstore.KeyIsRegistered, true)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lockstate: mirror: %w", err)
	}
	if !registered {
		m.publish()
		return nil
	}

	localWins := localCount > remoteCount
	remoteLocked := doc.Bool(model.FieldLocked)
	if doc.Has(model.FieldLocked) && remoteLocked != localLocked && !localWins {
		m.out.drop(model.FieldLocked)
		m.log.Info("remote lock state wins", zap.Bool("locked", remoteLocked))
		return m.transition(ctx, model.SourceRemote, remoteLocked, nil, nil)
	}

	repair := model.Fields{}
	if !doc.Has(model.FieldLocked) || remoteLocked != localLocked {
		m.log.Info("local lock state wins", zap.Bool("locked", localLocked),
			zap.Int64("localCount", localCount), zap.Int64("remoteCount", remoteCount))
		repair[model.FieldLocked] = localLocked
	}
	if localWins {
		repair[model.FieldOfflineUnlockCount] = localCount
		if t := m.store.Int(secretstore.KeyLastOfflineUnlock); t > 0 {
			repair[model.FieldLastOfflineUnlock] = t
		}
	}
	if len(repair) > 0 {
		m.out.add(repair)
	}
	m.drive(ctx, m.store.Bool(secretstore.KeyLocked))
	m.publish()
	return nil
}

// DueDateTick locks the device once the local date reaches dueDate. It
// reports whether a lock was applied.
func (m *Machine) DueDateTick(ctx context.Context) (bool, error) {
	var applied bool
	err := m.call(ctx, func(ctx context.Context) error {
		if !m.store.Bool(secretstore.KeyIsRegistered) || m.store.Bool(secretstore.KeyLocked) {
			return nil
		}
		due := m.store.String(secretstore.KeyDueDate)
		if due == "" {
			return nil
		}
		dueDay, err := time.ParseInLocation(model.DueDateLayout, due, m.loc)
		if err != nil {
			m.log.Warn("unparseable due date", zap.String("dueDate", due))
			return nil
		}
		today := m.clk.Now().In(m.loc).Format(model.DueDateLayout)
		if today < dueDay.Format(model.DueDateLayout) {
			return nil
		}
		m.log.Info("due date reached", zap.String("dueDate", due), zap.String("today", today))
		applied = true
		return m.transition(ctx, model.SourceDueDate, true, nil, model.Fields{model.FieldLocked: true})
	})
	return applied, err
}

// OfflineUnlock unlocks a locked device when SHA-256(pin) matches the
// stored hash. A wrong PIN returns false without error.
func (m *Machine) OfflineUnlock(ctx context.Context, pin string) (bool, error) {
	if err := crypto.ValidatePIN(pin); err != nil {
		return false, err
	}
	var ok bool
	err := m.call(ctx, func(ctx context.Context) error {
		if !m.store.Bool(secretstore.KeyIsRegistered) {
			return errs.ErrNotRegistered
		}
		if !crypto.VerifyPIN(pin, m.store.String(secretstore.KeyPINHash)) {
			m.log.Info("offline unlock rejected")
			return nil
		}
		ok = true
		if !m.store.Bool(secretstore.KeyLocked) {
			return nil
		}
		now := m.clk.Now().UnixMilli()
		var count int64
		extra := func(b *secretstore.Batch) error {
			count = b.Int(secretstore.KeyOfflineUnlockCount) + 1
			if err := b.Set(secretstore.KeyOfflineUnlockCount, count); err != nil {
				return err
			}
			return b.Set(secretstore.KeyLastOfflineUnlock, now)
		}
		patch := func() model.Fields {
			return model.Fields{
				model.FieldLocked:             false,
				model.FieldOfflineUnlockCount: count,
				model.FieldLastOfflineUnlock:  now,
			}
		}
		return m.transitionWith(ctx, model.SourceOfflinePIN, false, extra, patch)
	})
	return ok, err
}

// Push applies a wake-path command. The record change that follows is
// authoritative.
func (m *Machine) Push(ctx context.Context, cmd model.PushCommand) {
	var locked bool
	switch cmd.Command {
	case model.CommandLock:
		locked = true
	case model.CommandUnlock:
	default:
		return
	}
	err := m.call(ctx, func(ctx context.Context) error {
		if !m.store.Bool(secretstore.KeyIsRegistered) {
			return nil
		}
		m.out.drop(model.FieldLocked)
		return m.transition(ctx, model.SourcePush, locked, nil, nil)
	})
	if err != nil {
		m.log.Error("push command not applied", zap.String("command", cmd.Command), zap.Error(err))
	}
}

// Warn surfaces a privilege warning to state watchers.
func (m *Machine) Warn(ctx context.Context, msg string) {
	_ = m.call(ctx, func(context.Context) error {
		m.warning = msg
		m.publish()
		return nil
	})
}

func (m *Machine) transition(ctx context.Context, src model.LockSource, locked bool, extra func(*secretstore.Batch) error, patch model.Fields) error {
	var pf func() model.Fields
	if patch != nil {
		pf = func() model.Fields { return patch }
	}
	return m.transitionWith(ctx, src, locked, extra, pf)
}

// transitionWith moves to locked. A request for the current state only
// re-drives the tier, which is idempotent.
func (m *Machine) transitionWith(ctx context.Context, src model.LockSource, locked bool, extra func(*secretstore.Batch) error, patch func() model.Fields) error {
	if m.store.Bool(secretstore.KeyLocked) == locked && m.store.Bool(secretstore.KeyKioskMode) == locked && extra == nil {
		m.drive(ctx, locked)
		return nil
	}
	err := m.store.Edit(func(b *secretstore.Batch) error {
		if err := b.Set(secretstore.KeyLocked, locked); err != nil {
			return err
		}
		if err := b.Set(secretstore.KeyKioskMode, locked); err != nil {
			return err
		}
		if extra != nil {
			return extra(b)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lockstate: store: %w", err)
	}
	m.source = src
	m.log.Info("lock state changed", zap.Bool("locked", locked), zap.String("source", string(src)))

	m.drive(ctx, locked)

	if patch != nil {
		m.out.add(patch())
	}
	m.publish()
	return nil
}

// drive puts the privilege tier in line with locked. Failures are logged;
// the tier reports demotions on its own warning channel.
func (m *Machine) drive(ctx context.Context, locked bool) {
	if !locked {
		if err := m.priv.DismissLockOverlay(ctx); err != nil {
			m.log.Warn("dismiss overlay failed", zap.Error(err))
		}
		return
	}
	if err := m.priv.LockScreenNow(ctx); err != nil {
		m.log.Warn("screen lock failed", zap.Error(err))
	}
	if err := m.priv.ShowLockOverlay(ctx); err != nil {
		m.log.Warn("show overlay failed", zap.Error(err))
	}
}

func (m *Machine) snapshot() State {
	return State{
		Registered:         m.store.Bool(secretstore.KeyIsRegistered),
		Locked:             m.store.Bool(secretstore.KeyLocked),
		Tier:               m.priv.Kind(),
		Bypass:             m.priv.BlockKeyguardBypass(),
		OfflineUnlockCount: m.store.Int(secretstore.KeyOfflineUnlockCount),
		Source:             m.source,
		Warning:            m.warning,
	}
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (State, error) {
	var s State
	err := m.call(ctx, func(context.Context) error {
		s = m.snapshot()
		return nil
	})
	return s, err
}

// WatchState streams states, starting with the current one. A slow
// watcher loses intermediate states, never the latest.
func (m *Machine) WatchState(ctx context.Context) (<-chan State, func(), error) {
	ch := make(chan State, stateBuffer)
	err := m.call(ctx, func(context.Context) error {
		m.subMu.Lock()
		m.subs[ch] = struct{}{}
		m.subMu.Unlock()
		ch <- m.snapshot()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
		})
	}, nil
}

func (m *Machine) publish() {
	s := m.snapshot()
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Pending returns the remote patch not yet acknowledged.
func (m *Machine) Pending() model.Fields { return m.out.snapshot() }
