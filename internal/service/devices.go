package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/clock"
	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
	"github.com/ahkfinance/devicelock/internal/repository"
)

// CommandPublisher sends wake-path commands to devices.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, cmd model.PushCommand) error
}

// DeviceService defines registry operations over device records.
type DeviceService interface {
	// Get returns a device document.
	Get(ctx context.Context, id string) (model.Fields, error)
	// Patch merges fields into an existing document (errs.ErrNotFound when missing).
	Patch(ctx context.Context, id string, f model.Fields) error
	// Set merges fields, creating the document when missing.
	Set(ctx context.Context, id string, f model.Fields) error
	// OperatorSet applies an operator edit and sends a push command when locked changes.
	OperatorSet(ctx context.Context, id string, f model.Fields) error
	// Watch streams the document after every change; cancel releases the watcher.
	Watch(ctx context.Context, id string) (<-chan model.Fields, func(), error)
	// List returns every device.
	List(ctx context.Context) ([]model.DeviceDoc, error)
	// BatchPatchAll merges fields into every device, all or nothing.
	BatchPatchAll(ctx context.Context, f model.Fields) (int, error)
	// PutHistory stores one date of a device's location history.
	PutHistory(ctx context.Context, deviceID, date string, doc map[string]any) error
	// ListHistory returns a device's location history.
	ListHistory(ctx context.Context, deviceID string) ([]map[string]any, error)
}

type DeviceServiceImpl struct {
	devices   repository.DeviceRepository
	locations repository.LocationRepository
	hub       *Hub
	push      CommandPublisher
	clk       clock.Clock
	log       *zap.Logger
}

// NewDeviceService constructs DeviceService. push may be nil.
func NewDeviceService(devices repository.DeviceRepository, locations repository.LocationRepository, hub *Hub, push CommandPublisher, clk clock.Clock, log *zap.Logger) *DeviceServiceImpl {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub()
	}
	return &DeviceServiceImpl{devices: devices, locations: locations, hub: hub, push: push, clk: clk, log: log.Named("devices")}
}

var (
	reHexHash  = regexp.MustCompile(`^[0-9a-f]{64}$`)
	reLogDate  = regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`)
	maxFieldSz = 4096
)

// validate checks values the schema types cannot express and stamps
// paymentLinkUpdatedAt with server time whenever paymentLink is written.
func (s *DeviceServiceImpl) validate(id string, f model.Fields) error {
	if id == "" {
		return errs.Validationf("empty deviceId")
	}
	if len(f) == 0 {
		return errs.Validationf("no fields")
	}
	for k, v := range f {
		if str, ok := v.(string); ok && len(str) > maxFieldSz {
			return errs.Validationf("field %q too long", k)
		}
	}
	if f.Has(model.FieldPINHash) && !reHexHash.MatchString(f.String(model.FieldPINHash)) {
		return errs.Validationf("pinHash must be lowercase hex sha-256")
	}
	if f.Has(model.FieldPaymentLink) {
		link := f.String(model.FieldPaymentLink)
		if link != "" {
			u, err := url.Parse(link)
			if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
				return errs.Validationf("paymentLink must be an http(s) URL")
			}
		}
		f[model.FieldPaymentLinkUpdatedAt] = s.clk.Now().UnixMilli()
	}
	delete(f, model.FieldDeviceID)
	return nil
}

// Get returns the document of id.
func (s *DeviceServiceImpl) Get(ctx context.Context, id string) (model.Fields, error) {
	if id == "" {
		return nil, errs.Validationf("empty deviceId")
	}
	return s.devices.Get(ctx, id)
}

// Patch merges f into an existing document.
func (s *DeviceServiceImpl) Patch(ctx context.Context, id string, f model.Fields) error {
	if err := s.validate(id, f); err != nil {
		return err
	}
	doc, err := s.devices.Patch(ctx, id, f)
	if err != nil {
		return err
	}
	s.hub.Publish(id, doc)
	return nil
}

// Set merges f, creating the document if needed.
func (s *DeviceServiceImpl) Set(ctx context.Context, id string, f model.Fields) error {
	if err := s.validate(id, f); err != nil {
		return err
	}
	doc, err := s.devices.Set(ctx, id, f)
	if err != nil {
		return err
	}
	s.hub.Publish(id, doc)
	return nil
}

// OperatorSet writes an operator edit. When it flips locked, a push
// command is published after the document change is committed.
func (s *DeviceServiceImpl) OperatorSet(ctx context.Context, id string, f model.Fields) error {
	if err := s.validate(id, f); err != nil {
		return err
	}
	prev, err := s.devices.Get(ctx, id)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	doc, err := s.devices.Set(ctx, id, f)
	if err != nil {
		return err
	}
	s.hub.Publish(id, doc)

	if f.Has(model.FieldLocked) && (prev == nil || prev.Bool(model.FieldLocked) != doc.Bool(model.FieldLocked)) {
		s.sendCommand(ctx, id, doc.Bool(model.FieldLocked))
	}
	return nil
}

func (s *DeviceServiceImpl) sendCommand(ctx context.Context, id string, locked bool) {
	if s.push == nil {
		return
	}
	cmd := model.PushCommand{Command: model.CommandUnlock, DeviceID: id}
	if locked {
		cmd.Command = model.CommandLock
	}
	// The document is authoritative; a lost push only delays the device.
	if err := s.push.PublishCommand(ctx, cmd); err != nil {
		s.log.Warn("push command failed", zap.String("deviceId", id), zap.String("command", cmd.Command), zap.Error(err))
	}
}

// Watch subscribes before returning so no change after the call is missed.
func (s *DeviceServiceImpl) Watch(ctx context.Context, id string) (<-chan model.Fields, func(), error) {
	if id == "" {
		return nil, nil, errs.Validationf("empty deviceId")
	}
	ch, cancel := s.hub.Subscribe(id)
	return ch, cancel, nil
}

// List returns every device.
func (s *DeviceServiceImpl) List(ctx context.Context) ([]model.DeviceDoc, error) {
	return s.devices.List(ctx)
}

// BatchPatchAll applies f to every device in a single transaction.
func (s *DeviceServiceImpl) BatchPatchAll(ctx context.Context, f model.Fields) (int, error) {
	if err := s.validate("*", f); err != nil {
		return 0, err
	}
	if f.Has(model.FieldPINHash) {
		return 0, errs.Validationf("pinHash cannot be batch-patched")
	}
	docs, err := s.devices.PatchAll(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("batch patch: %w", err)
	}
	for _, d := range docs {
		s.hub.Publish(d.ID, d.Doc)
	}
	if f.Has(model.FieldLocked) {
		s.sendCommand(ctx, "", f.Bool(model.FieldLocked))
	}
	s.log.Info("batch patch applied", zap.Int("devices", len(docs)), zap.Strings("fields", fieldNames(f)))
	return len(docs), nil
}

func fieldNames(f model.Fields) []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	return out
}

// PutHistory stores a per-date location document unconditionally.
func (s *DeviceServiceImpl) PutHistory(ctx context.Context, deviceID, date string, doc map[string]any) error {
	if deviceID == "" || !reLogDate.MatchString(date) {
		return errs.Validationf("bad deviceId/date")
	}
	return s.locations.PutHistory(ctx, deviceID, date, doc)
}

// ListHistory returns a device's per-date documents.
func (s *DeviceServiceImpl) ListHistory(ctx context.Context, deviceID string) ([]map[string]any, error) {
	if deviceID == "" {
		return nil, errs.Validationf("empty deviceId")
	}
	return s.locations.ListHistory(ctx, deviceID)
}
