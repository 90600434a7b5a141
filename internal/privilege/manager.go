package privilege

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/errs"
)

const warningBuffer = 16

// Warning is a UI-facing notice that the lock guarantees got weaker.
type Warning struct {
	Tier    Kind
	Message string
}

// Probe picks the strongest tier the host grants, capped at ceiling (no cap
// when ceiling is zero). Accessibility is the floor: it is returned even when
// overlay permission is missing, with a warning saying so.
func Probe(ctx context.Context, host Host, ceiling Kind) (Kind, []string, error) {
	if ceiling == 0 {
		ceiling = DeviceOwner
	}
	caps, err := host.Capabilities(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("privilege: probe: %w", err)
	}
	var (
		k     Kind
		warns []string
	)
	switch {
	case caps.DeviceOwner && ceiling >= DeviceOwner:
		k = DeviceOwner
	case caps.DeviceAdmin && ceiling >= DeviceAdmin:
		k = DeviceAdmin
	default:
		k = Accessibility
	}
	if k < DeviceOwner {
		warns = append(warns, fmt.Sprintf("running as %s: lock overlay is best-effort", k))
	}
	if k == Accessibility && !caps.Overlay {
		warns = append(warns, "overlay permission not granted")
	}
	return k, warns, nil
}

// Manager is the process-wide Tier. When the OS denies a primitive it
// demotes itself to the next weaker tier, retries, and posts a Warning.
type Manager struct {
	host     Host
	log      *zap.Logger
	warnings chan Warning

	mu   sync.Mutex
	tier Tier
}

var _ Tier = (*Manager)(nil)

// NewManager probes host and starts on the strongest permitted tier.
// Probe warnings are queued on Warnings.
func NewManager(ctx context.Context, host Host, ceiling Kind, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	k, warns, err := Probe(ctx, host, ceiling)
	if err != nil {
		return nil, err
	}
	t, err := NewTier(k, host)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		host:     host,
		log:      log.Named("privilege"),
		warnings: make(chan Warning, warningBuffer),
		tier:     t,
	}
	m.log.Info("privilege tier selected", zap.Stringer("tier", k), zap.Stringer("bypass", t.BlockKeyguardBypass()))
	for _, w := range warns {
		m.warn(k, w)
	}
	return m, nil
}

// Warnings delivers demotion and probe notices. Notices are dropped when
// nobody drains the channel.
func (m *Manager) Warnings() <-chan Warning { return m.warnings }

func (m *Manager) warn(k Kind, msg string) {
	m.log.Warn("privilege warning", zap.Stringer("tier", k), zap.String("message", msg))
	select {
	case m.warnings <- Warning{Tier: k, Message: msg}:
	default:
	}
}

func (m *Manager) current() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// Kind reports the active tier.
func (m *Manager) Kind() Kind { return m.current().Kind() }

// BlockKeyguardBypass reports the active tier's guarantee.
func (m *Manager) BlockKeyguardBypass() Bypass { return m.current().BlockKeyguardBypass() }

// do runs op on the active tier, demoting and retrying on ErrPrivilegeDenied.
func (m *Manager) do(ctx context.Context, op func(Tier) error) error {
	for {
		m.mu.Lock()
		t := m.tier
		err := op(t)
		if err == nil || !errors.Is(err, errs.ErrPrivilegeDenied) || t.Kind() == Accessibility {
			m.mu.Unlock()
			return err
		}
		next, nerr := NewTier(t.Kind()-1, m.host)
		if nerr != nil {
			m.mu.Unlock()
			return nerr
		}
		if rerr := t.Release(ctx); rerr != nil {
			m.log.Debug("release of revoked tier failed", zap.Error(rerr))
		}
		m.tier = next
		m.mu.Unlock()
		m.warn(next.Kind(), fmt.Sprintf("%s revoked, demoted to %s", t.Kind(), next.Kind()))
	}
}

// LockScreenNow implements Tier.
func (m *Manager) LockScreenNow(ctx context.Context) error {
	return m.do(ctx, func(t Tier) error { return t.LockScreenNow(ctx) })
}

// ShowLockOverlay implements Tier.
func (m *Manager) ShowLockOverlay(ctx context.Context) error {
	return m.do(ctx, func(t Tier) error { return t.ShowLockOverlay(ctx) })
}

// DismissLockOverlay implements Tier.
func (m *Manager) DismissLockOverlay(ctx context.Context) error {
	return m.do(ctx, func(t Tier) error { return t.DismissLockOverlay(ctx) })
}

// EnableSequentialLock turns on sequential lock mode. It reports false
// without error when the active tier is not device-admin.
func (m *Manager) EnableSequentialLock(ctx context.Context) (bool, error) {
	var enabled bool
	err := m.do(ctx, func(t Tier) error {
		a, ok := t.(*adminTier)
		if !ok {
			enabled = false
			return nil
		}
		enabled = true
		return a.EnableSequentialLock(ctx)
	})
	return enabled && err == nil, err
}

// Release implements Tier.
func (m *Manager) Release(ctx context.Context) error {
	return m.current().Release(ctx)
}
