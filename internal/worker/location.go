package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/clock"
	"github.com/ahkfinance/devicelock/internal/locationlog"
	"github.com/ahkfinance/devicelock/internal/model"
	"github.com/ahkfinance/devicelock/internal/position"
	"github.com/ahkfinance/devicelock/internal/secretstore"
)

// Capture samples one position fix per run into the location log.
type Capture struct {
	Coarse    position.Provider
	Precise   position.Provider
	Log       *locationlog.Log
	Store     *secretstore.Store
	Remote    Patcher
	Clock     clock.Clock
	Retention int
	// Kick starts a location sync after a point is stored.
	Kick   func()
	Logger *zap.Logger
}

func (c *Capture) Name() string { return NameCapture }

func (c *Capture) Run(ctx context.Context) error {
	id := c.Store.String(secretstore.KeyDeviceID)
	if id == "" {
		return nil
	}
	fix, err := position.Best(ctx, c.Coarse, c.Precise, c.Logger)
	if errors.Is(err, position.ErrNoFix) {
		c.logger().Info("no position fix this round")
		return nil
	}
	if err != nil {
		return err
	}

	now := c.Clock.Now()
	p := c.Log.NewPoint(id, fix.Latitude, fix.Longitude, fix.Accuracy, now)
	if _, err := c.Log.Insert(ctx, p); err != nil {
		return err
	}
	if c.Kick != nil {
		c.Kick()
	}

	if c.Remote != nil {
		if err := c.Remote.PatchDevice(ctx, id, model.Fields{model.FieldLastSeenTimestamp: now.UnixMilli()}); err != nil {
			c.logger().Debug("lastSeen update failed", zap.Error(err))
		}
	}
	_, err = c.Log.EnforceWindow(ctx, c.Retention)
	return err
}

func (c *Capture) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// HistoryWriter stores per-date location documents.
type HistoryWriter interface {
	PutLocationHistory(ctx context.Context, id, date string, doc map[string]any) error
}

// Sync uploads unsynced points, one document per date, then enforces the
// rolling window. A date's document always carries every local point of
// that date, since the write replaces the whole document.
type Sync struct {
	Log       *locationlog.Log
	Remote    HistoryWriter
	Store     *secretstore.Store
	Online    func(ctx context.Context) bool
	Clock     clock.Clock
	Retention int
	Logger    *zap.Logger
}

func (s *Sync) Name() string { return NameSync }

// SlotKey is the document key of a point: its time with ':' and ' ' replaced by '_'.
func SlotKey(t string) string {
	return strings.NewReplacer(":", "_", " ", "_").Replace(t)
}

// HistoryDoc builds the per-date document for points of one date.
func HistoryDoc(deviceID, date string, points []model.PositionPoint, now int64) map[string]any {
	doc := map[string]any{
		"date":         date,
		"deviceId":     deviceID,
		"lastUpdated":  now,
		"totalEntries": int64(len(points)),
	}
	for _, p := range points {
		doc[SlotKey(p.Time)] = map[string]any{
			"latitude":  p.Latitude,
			"longitude": p.Longitude,
			"accuracy":  p.Accuracy,
			"timestamp": p.Timestamp,
			"time":      p.Time,
		}
	}
	return doc
}

func (s *Sync) Run(ctx context.Context) error {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if s.Online != nil && !s.Online(ctx) {
		return fmt.Errorf("location sync: offline: %w", ErrRetry)
	}
	id := s.Store.String(secretstore.KeyDeviceID)
	if id == "" {
		return nil
	}

	unsynced, err := s.Log.Unsynced(ctx)
	if err != nil {
		return err
	}
	var dates []string
	seen := map[string]bool{}
	for _, p := range unsynced {
		if !seen[p.Date] {
			seen[p.Date] = true
			dates = append(dates, p.Date)
		}
	}

	failed := 0
	for _, date := range dates {
		points, err := s.Log.PointsOn(ctx, date)
		if err != nil {
			return err
		}
		doc := HistoryDoc(id, date, points, s.Clock.Now().UnixMilli())
		if err := s.Remote.PutLocationHistory(ctx, id, date, doc); err != nil {
			failed++
			log.Info("date upload failed", zap.String("date", date), zap.Error(err))
			continue
		}
		ids := make([]int64, 0, len(points))
		for _, p := range points {
			if !p.Synced {
				ids = append(ids, p.ID)
			}
		}
		if err := s.Log.MarkSynced(ctx, ids); err != nil {
			return err
		}
	}

	if _, err := s.Log.EnforceWindow(ctx, s.Retention); err != nil {
		return err
	}
	if len(dates) > 0 && failed == len(dates) {
		return fmt.Errorf("location sync: all %d dates failed: %w", failed, ErrRetry)
	}
	if len(dates) > 0 {
		log.Info("location sync done", zap.Int("dates", len(dates)), zap.Int("failed", failed))
	}
	return nil
}
