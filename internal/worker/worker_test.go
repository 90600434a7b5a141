package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahkfinance/devicelock/internal/clock"
	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/locationlog"
	"github.com/ahkfinance/devicelock/internal/model"
	"github.com/ahkfinance/devicelock/internal/position"
	"github.com/ahkfinance/devicelock/internal/secretstore"
)

var dhaka = time.FixedZone("BDT", 6*60*60)

type scriptTask struct {
	results []error
	runs    chan struct{}
	mu      sync.Mutex
}

var _ Task = (*scriptTask)(nil)

func (s *scriptTask) Name() string { return "script" }

func (s *scriptTask) Run(context.Context) error {
	s.mu.Lock()
	var err error
	if len(s.results) > 0 {
		err, s.results = s.results[0], s.results[1:]
	}
	s.mu.Unlock()
	s.runs <- struct{}{}
	return err
}

func waitRun(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func noRun(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected run")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRunner_PeriodRetryAndKick(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	task := &scriptTask{
		results: []error{nil, fmt.Errorf("offline: %w", ErrRetry), nil},
		runs:    make(chan struct{}, 4),
	}
	r := NewRunner(clk, nil)
	r.Add(task, 5*time.Minute, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitRun(t, task.runs) // at start

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Minute)
	waitRun(t, task.runs) // period; returns ErrRetry

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Minute)
	noRun(t, task.runs)
	clk.Advance(10 * time.Minute)
	waitRun(t, task.runs) // retry after the 15 minute floor

	r.Kick("script")
	waitRun(t, task.runs)
	r.Kick("unknown")

	cancel()
	require.NoError(t, <-done)
}

type fakeRemote struct {
	mu      sync.Mutex
	patches []model.Fields
	history map[string]map[string]any
	failOn  map[string]bool
	err     error
}

var (
	_ Patcher       = (*fakeRemote)(nil)
	_ HistoryWriter = (*fakeRemote)(nil)
)

func (f *fakeRemote) PatchDevice(_ context.Context, _ string, p model.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.patches = append(f.patches, p)
	return nil
}

func (f *fakeRemote) PutLocationHistory(_ context.Context, _ string, date string, doc map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil || f.failOn[date] {
		return errors.New("upload failed")
	}
	if f.history == nil {
		f.history = map[string]map[string]any{}
	}
	f.history[date] = doc
	return nil
}

func openStore(t *testing.T, registered bool) *secretstore.Store {
	t.Helper()
	st, err := secretstore.Open(secretstore.Options{Dir: t.TempDir(), Secret: []byte("w")})
	require.NoError(t, err)
	require.NoError(t, st.Put(secretstore.KeyDeviceID, "dev-1"))
	require.NoError(t, st.Put(secretstore.KeyIsRegistered, registered))
	return st
}

func openLog(t *testing.T) *locationlog.Log {
	t.Helper()
	l, err := locationlog.Open(context.Background(), locationlog.Options{Dir: t.TempDir(), Location: dhaka})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC))
	remote := &fakeRemote{}

	hb := &Heartbeat{Store: openStore(t, false), Remote: remote, Clock: clk}
	require.NoError(t, hb.Run(ctx))
	require.Empty(t, remote.patches, "unregistered devices stay quiet")

	st := openStore(t, true)
	hb = &Heartbeat{Store: st, Remote: remote, Clock: clk}
	require.NoError(t, hb.Run(ctx))
	require.Equal(t, []model.Fields{{model.FieldLastSeenTimestamp: clk.Now().UnixMilli()}}, remote.patches)
	require.Equal(t, clk.Now().UnixMilli(), st.Int(secretstore.KeyLastSeenTimestamp))

	remote.err = errs.ErrUnavailable
	require.ErrorIs(t, hb.Run(ctx), errs.ErrUnavailable)
}

type tickFunc func(ctx context.Context) (bool, error)

func (f tickFunc) DueDateTick(ctx context.Context) (bool, error) { return f(ctx) }

func TestDueDate(t *testing.T) {
	calls := 0
	d := &DueDate{Machine: tickFunc(func(context.Context) (bool, error) {
		calls++
		return true, nil
	})}
	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, 1, calls)
}

type staticFix struct {
	fix position.Fix
	err error
}

func (s staticFix) Fix(context.Context) (position.Fix, error) { return s.fix, s.err }

func TestCapture_StoresBestFixAndKicksSync(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(time.Date(2025, 3, 1, 3, 30, 0, 0, time.UTC))
	lg := openLog(t)
	remote := &fakeRemote{}
	kicked := 0

	c := &Capture{
		Coarse:    staticFix{fix: position.Fix{Latitude: 23.7, Longitude: 90.4, Accuracy: 900}},
		Precise:   staticFix{fix: position.Fix{Latitude: 23.71, Longitude: 90.41, Accuracy: 8}},
		Log:       lg,
		Store:     openStore(t, true),
		Remote:    remote,
		Clock:     clk,
		Retention: 30,
		Kick:      func() { kicked++ },
	}
	require.NoError(t, c.Run(ctx))

	pts, err := lg.Points(ctx)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	require.Equal(t, 8.0, pts[0].Accuracy)
	require.Equal(t, "01-03-2025", pts[0].Date)
	require.Equal(t, "9:30 AM", pts[0].Time)
	require.False(t, pts[0].Synced)
	require.Equal(t, 1, kicked)
	require.Len(t, remote.patches, 1)

	c.Coarse = staticFix{err: errors.New("off")}
	c.Precise = nil
	require.NoError(t, c.Run(ctx))
	pts, err = lg.Points(ctx)
	require.NoError(t, err)
	require.Len(t, pts, 1)
}

func seedDays(t *testing.T, lg *locationlog.Log, first time.Time, days int) {
	t.Helper()
	for i := 0; i < days; i++ {
		_, err := lg.Insert(context.Background(), lg.NewPoint("dev-1", 23.7, 90.4, 10, first.AddDate(0, 0, i)))
		require.NoError(t, err)
	}
}

func TestSync_RollingWindowAfterUpload(t *testing.T) {
	ctx := context.Background()
	lg := openLog(t)
	first := time.Date(2025, 1, 1, 10, 0, 0, 0, dhaka)
	seedDays(t, lg, first, 31)
	remote := &fakeRemote{}

	s := &Sync{Log: lg, Remote: remote, Store: openStore(t, true), Clock: clock.Fake(first), Retention: 30}
	require.NoError(t, s.Run(ctx))

	require.Len(t, remote.history, 31)
	n, err := lg.DistinctDates(ctx)
	require.NoError(t, err)
	require.Equal(t, 30, n)

	pts, err := lg.Points(ctx)
	require.NoError(t, err)
	require.Len(t, pts, 30)
	require.Equal(t, "02-01-2025", pts[0].Date)
	for _, p := range pts {
		require.True(t, p.Synced)
	}
}

func TestSync_DocumentShape(t *testing.T) {
	ctx := context.Background()
	lg := openLog(t)
	at := time.Date(2025, 3, 1, 9, 5, 0, 0, dhaka)
	seedDays(t, lg, at, 1)
	remote := &fakeRemote{}
	clk := clock.Fake(at.Add(time.Minute))

	s := &Sync{Log: lg, Remote: remote, Store: openStore(t, true), Clock: clk, Retention: 30}
	require.NoError(t, s.Run(ctx))

	// a second point on the same date re-uploads the whole day
	_, err := lg.Insert(ctx, lg.NewPoint("dev-1", 1, 2, 3, at.Add(2*time.Hour)))
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx))

	doc := remote.history["01-03-2025"]
	require.Equal(t, "01-03-2025", doc["date"])
	require.Equal(t, "dev-1", doc["deviceId"])
	require.Equal(t, int64(2), doc["totalEntries"])
	require.Equal(t, clk.Now().UnixMilli(), doc["lastUpdated"])
	require.Contains(t, doc, "9_05_AM")
	slot := doc["11_05_AM"].(map[string]any)
	require.Equal(t, "11:05 AM", slot["time"])
	require.Equal(t, 3.0, slot["accuracy"])
}

func TestSync_PartialAndTotalFailure(t *testing.T) {
	ctx := context.Background()
	lg := openLog(t)
	first := time.Date(2025, 3, 1, 10, 0, 0, 0, dhaka)
	seedDays(t, lg, first, 3)
	remote := &fakeRemote{failOn: map[string]bool{"02-03-2025": true}}
	s := &Sync{Log: lg, Remote: remote, Store: openStore(t, true), Clock: clock.Fake(first), Retention: 30}

	require.NoError(t, s.Run(ctx))
	left, err := lg.Unsynced(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "02-03-2025", left[0].Date)

	remote.err = errors.New("down")
	require.ErrorIs(t, s.Run(ctx), ErrRetry)

	s.Online = func(context.Context) bool { return false }
	require.ErrorIs(t, s.Run(ctx), ErrRetry)
}

func TestSlotKey(t *testing.T) {
	require.Equal(t, "12_45_PM", SlotKey("12:45 PM"))
	require.Equal(t, "9_05_AM", SlotKey("9:05 AM"))
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(context.Context) (string, error) {
	f.calls++
	return "https://pay.example", f.err
}

func TestPaymentLinks(t *testing.T) {
	ctx := context.Background()
	online := true
	ref := &fakeRefresher{}
	p := &PaymentLinks{Cache: ref, Online: func(context.Context) bool { return online }}

	require.NoError(t, p.Run(ctx))
	require.Equal(t, 1, ref.calls)

	online = false
	require.NoError(t, p.Run(ctx))
	require.Equal(t, 1, ref.calls)

	online = true
	ref.err = errs.ErrNotRegistered
	require.NoError(t, p.Run(ctx))
	ref.err = errors.New("boom")
	require.Error(t, p.Run(ctx))
}
