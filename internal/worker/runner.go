// Package worker runs the agent's periodic tasks: heartbeat, due-date
// evaluation, location capture, location sync and payment-link sync.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/clock"
	"github.com/ahkfinance/devicelock/internal/controlplane"
)

// MinRetryDelay is the shortest delay before a task that asked for a retry
// runs again.
const MinRetryDelay = 15 * time.Minute

const maxRetryDelay = 4 * time.Hour

// ErrRetry marks a retryable outcome: the runner re-runs the task with
// backoff instead of waiting for the next period.
var ErrRetry = errors.New("worker: retry later")

// Task is one periodic job. Run must be idempotent.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	task    Task
	every   time.Duration
	atStart bool
	kick    chan struct{}
}

// Runner schedules tasks independently of each other.
type Runner struct {
	clk clock.Clock
	log *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
}

// NewRunner builds an empty runner.
func NewRunner(clk clock.Clock, log *zap.Logger) *Runner {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{clk: clk, log: log.Named("worker"), entries: map[string]*entry{}}
}

// Add schedules t every period. With atStart the first run happens
// immediately instead of after one period.
func (r *Runner) Add(t Task, every time.Duration, atStart bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.Name()] = &entry{task: t, every: every, atStart: atStart, kick: make(chan struct{}, 1)}
	r.order = append(r.order, t.Name())
}

// Kick asks the named task to run now. Kicks coalesce.
func (r *Runner) Kick(name string) {
	r.mu.Lock()
	e := r.entries[name]
	r.mu.Unlock()
	if e == nil {
		return
	}
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drives every task until ctx is done; tasks stop at their next tick
// boundary.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.order))
	for _, n := range r.order {
		entries = append(entries, r.entries[n])
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			r.loop(ctx, e)
		}(e)
	}
	wg.Wait()
	return nil
}

func (r *Runner) loop(ctx context.Context, e *entry) {
	log := r.log.With(zap.String("task", e.task.Name()))
	retry := controlplane.Backoff{Initial: max(e.every, MinRetryDelay), Max: maxRetryDelay}
	attempt := 0
	next := e.every
	if e.atStart {
		next = 0
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(next):
		case <-e.kick:
		}
		err := e.task.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			attempt = 0
			next = e.every
		case errors.Is(err, ErrRetry):
			next = retry.Delay(attempt)
			attempt++
			log.Info("task will retry", zap.Error(err), zap.Duration("in", next))
		default:
			attempt = 0
			next = e.every
			log.Warn("task failed", zap.Error(err))
		}
	}
}
