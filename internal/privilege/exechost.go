package privilege

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/errs"
)

// ExecHost implements Host on a Linux session with loginctl. Root counts as
// device owner, a reachable loginctl as device admin, and a graphical
// session as overlay permission. Overlay state is recorded here and drawn by
// the host UI, which reads it from the agent API lock-screen view.
type ExecHost struct {
	log *zap.Logger

	mu       sync.Mutex
	pinned   bool
	flags    WindowFlags
	alert    bool
	keyguard bool
}

var _ Host = (*ExecHost)(nil)

// NewExecHost returns a host backed by local commands.
func NewExecHost(log *zap.Logger) *ExecHost {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExecHost{log: log.Named("host"), keyguard: true}
}

// Capabilities probes the session.
func (h *ExecHost) Capabilities(context.Context) (Capabilities, error) {
	_, lerr := exec.LookPath("loginctl")
	return Capabilities{
		DeviceOwner: os.Geteuid() == 0 && lerr == nil,
		DeviceAdmin: lerr == nil,
		Overlay:     os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != "",
	}, nil
}

func (h *ExecHost) run(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(strings.ToLower(msg), "access denied") || strings.Contains(strings.ToLower(msg), "not permitted") {
			return fmt.Errorf("%s: %w: %s", name, errs.ErrPrivilegeDenied, msg)
		}
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return nil
}

// LockNow locks every session.
func (h *ExecHost) LockNow(ctx context.Context) error {
	return h.run(ctx, "loginctl", "lock-sessions")
}

// PolicyLock locks the caller's session.
func (h *ExecHost) PolicyLock(ctx context.Context) error {
	return h.run(ctx, "loginctl", "lock-session")
}

func (h *ExecHost) set(fn func()) {
	h.mu.Lock()
	fn()
	h.mu.Unlock()
}

func (h *ExecHost) PinTask(context.Context) error {
	h.set(func() { h.pinned = true })
	h.log.Info("task pinned")
	return nil
}

func (h *ExecHost) UnpinTask(context.Context) error {
	h.set(func() { h.pinned = false })
	h.log.Info("task unpinned")
	return nil
}

func (h *ExecHost) StartLockActivity(_ context.Context, flags WindowFlags) error {
	h.set(func() { h.flags = flags })
	h.log.Info("lock activity started", zap.Uint8("flags", uint8(flags)))
	return nil
}

func (h *ExecHost) FinishLockActivity(context.Context) error {
	h.set(func() { h.flags = 0 })
	h.log.Info("lock activity finished")
	return nil
}

func (h *ExecHost) ShowAlertOverlay(_ context.Context, suppressBack bool) error {
	h.set(func() { h.alert = true })
	h.log.Info("alert overlay shown", zap.Bool("suppressBack", suppressBack))
	return nil
}

func (h *ExecHost) HideAlertOverlay(context.Context) error {
	h.set(func() { h.alert = false })
	h.log.Info("alert overlay hidden")
	return nil
}

func (h *ExecHost) SetKeyguard(_ context.Context, enabled bool) error {
	h.set(func() { h.keyguard = enabled })
	h.log.Info("keyguard", zap.Bool("enabled", enabled))
	return nil
}

// OverlayActive reports whether any overlay primitive is currently engaged.
func (h *ExecHost) OverlayActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pinned || h.flags != 0 || h.alert
}
