// Package privilege drives the OS-level lock primitives. The agent runs on
// one of three tiers, picked by probing the host once at startup; the tier
// decides how hard the lock overlay is to bypass.
package privilege

import (
	"context"
	"fmt"
)

// Kind names a privilege tier. Larger is stronger.
type Kind int

const (
	Accessibility Kind = iota + 1
	DeviceAdmin
	DeviceOwner
)

func (k Kind) String() string {
	switch k {
	case DeviceOwner:
		return "device_owner"
	case DeviceAdmin:
		return "device_admin"
	case Accessibility:
		return "accessibility"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts the String form of a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{DeviceOwner, DeviceAdmin, Accessibility} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("privilege: unknown tier %q", s)
}

// Bypass is how well a tier blocks the user from getting past the lock.
type Bypass int

const (
	BypassNone Bypass = iota
	BypassPartial
	BypassFull
)

func (b Bypass) String() string {
	switch b {
	case BypassFull:
		return "full"
	case BypassPartial:
		return "partial"
	}
	return "none"
}

// WindowFlags are imposed on the lock activity of the device-admin tier.
type WindowFlags uint8

const (
	FlagShowWhenLocked WindowFlags = 1 << iota
	FlagDismissKeyguard
	FlagFullscreen
	FlagSecure
)

// LockActivityFlags is the flag set used by the device-admin overlay.
const LockActivityFlags = FlagShowWhenLocked | FlagDismissKeyguard | FlagFullscreen | FlagSecure

// Capabilities reports which privileges the host currently grants.
type Capabilities struct {
	DeviceOwner bool
	DeviceAdmin bool
	// Overlay is permission to draw over other apps.
	Overlay bool
}

// Host is the set of OS primitives the tiers are built from. Methods return
// errs.ErrPrivilegeDenied when the OS refuses because a grant was revoked.
type Host interface {
	Capabilities(ctx context.Context) (Capabilities, error)

	// LockNow is the device-owner immediate screen lock.
	LockNow(ctx context.Context) error
	// PolicyLock is the device-admin policy screen lock.
	PolicyLock(ctx context.Context) error
	// PinTask pins the agent task (kiosk); UnpinTask reverses it.
	PinTask(ctx context.Context) error
	UnpinTask(ctx context.Context) error
	// StartLockActivity brings the lock activity to the foreground with flags.
	StartLockActivity(ctx context.Context, flags WindowFlags) error
	// FinishLockActivity closes it and clears every flag it imposed.
	FinishLockActivity(ctx context.Context) error
	// ShowAlertOverlay draws the system-alert overlay.
	ShowAlertOverlay(ctx context.Context, suppressBack bool) error
	HideAlertOverlay(ctx context.Context) error
	// SetKeyguard turns the native keyguard on or off.
	SetKeyguard(ctx context.Context, enabled bool) error
}

// Tier is the effector the lock state machine drives. It never calls back.
type Tier interface {
	Kind() Kind
	// LockScreenNow engages the native screen lock where the tier has one.
	LockScreenNow(ctx context.Context) error
	// ShowLockOverlay is a no-op while the overlay is already shown.
	ShowLockOverlay(ctx context.Context) error
	// DismissLockOverlay returns the device to its normal UI.
	DismissLockOverlay(ctx context.Context) error
	BlockKeyguardBypass() Bypass
	// Release drops every resource the tier holds, overlay included.
	Release(ctx context.Context) error
}

// NewTier builds the tier of kind k over host.
func NewTier(k Kind, host Host) (Tier, error) {
	switch k {
	case DeviceOwner:
		return &ownerTier{host: host}, nil
	case DeviceAdmin:
		return &adminTier{host: host}, nil
	case Accessibility:
		return &accessibilityTier{host: host}, nil
	}
	return nil, fmt.Errorf("privilege: unknown tier %d", int(k))
}
