package privilege

import (
	"context"
	"sync"
)

// overlay tracks whether the single overlay instance is up.
type overlay struct {
	mu     sync.Mutex
	active bool
}

func (o *overlay) show(ctx context.Context, fn func(context.Context) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active {
		return nil
	}
	if err := fn(ctx); err != nil {
		return err
	}
	o.active = true
	return nil
}

func (o *overlay) dismiss(ctx context.Context, fn func(context.Context) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active {
		return nil
	}
	if err := fn(ctx); err != nil {
		return err
	}
	o.active = false
	return nil
}

func (o *overlay) shown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

type ownerTier struct {
	host Host
	ov   overlay
}

func (t *ownerTier) Kind() Kind                  { return DeviceOwner }
func (t *ownerTier) BlockKeyguardBypass() Bypass { return BypassFull }

func (t *ownerTier) LockScreenNow(ctx context.Context) error { return t.host.LockNow(ctx) }

func (t *ownerTier) ShowLockOverlay(ctx context.Context) error {
	return t.ov.show(ctx, t.host.PinTask)
}

func (t *ownerTier) DismissLockOverlay(ctx context.Context) error {
	return t.ov.dismiss(ctx, t.host.UnpinTask)
}

func (t *ownerTier) Release(ctx context.Context) error { return t.DismissLockOverlay(ctx) }

type adminTier struct {
	host Host
	ov   overlay
}

func (t *adminTier) Kind() Kind                  { return DeviceAdmin }
func (t *adminTier) BlockKeyguardBypass() Bypass { return BypassPartial }

func (t *adminTier) LockScreenNow(ctx context.Context) error { return t.host.PolicyLock(ctx) }

func (t *adminTier) ShowLockOverlay(ctx context.Context) error {
	return t.ov.show(ctx, func(ctx context.Context) error {
		return t.host.StartLockActivity(ctx, LockActivityFlags)
	})
}

func (t *adminTier) DismissLockOverlay(ctx context.Context) error {
	return t.ov.dismiss(ctx, t.host.FinishLockActivity)
}

func (t *adminTier) Release(ctx context.Context) error { return t.DismissLockOverlay(ctx) }

// EnableSequentialLock keeps the native keyguard on underneath the overlay.
func (t *adminTier) EnableSequentialLock(ctx context.Context) error {
	return t.host.SetKeyguard(ctx, true)
}

// accessibilityTier has no screen lock; the overlay is all it can do.
type accessibilityTier struct {
	host Host
	ov   overlay
}

func (t *accessibilityTier) Kind() Kind                  { return Accessibility }
func (t *accessibilityTier) BlockKeyguardBypass() Bypass { return BypassNone }

func (t *accessibilityTier) LockScreenNow(context.Context) error { return nil }

func (t *accessibilityTier) ShowLockOverlay(ctx context.Context) error {
	return t.ov.show(ctx, func(ctx context.Context) error {
		return t.host.ShowAlertOverlay(ctx, true)
	})
}

func (t *accessibilityTier) DismissLockOverlay(ctx context.Context) error {
	return t.ov.dismiss(ctx, t.host.HideAlertOverlay)
}

func (t *accessibilityTier) Release(ctx context.Context) error { return t.DismissLockOverlay(ctx) }
