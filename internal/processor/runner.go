package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cycler is what the Runner schedules.
type Cycler interface {
	RunCycle(ctx context.Context) (CycleStats, error)
	Cleanup(ctx context.Context) (int64, error)
}

// Runner triggers cycles on an interval, on demand and once at start, and
// runs the retention sweep on its own interval.
type Runner struct {
	cycler          Cycler
	interval        time.Duration
	cleanupInterval time.Duration
	logger          *zap.Logger

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRunner creates a runner. A zero cleanupInterval disables the sweep.
func NewRunner(c Cycler, interval, cleanupInterval time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		cycler:          c,
		interval:        interval,
		cleanupInterval: cleanupInterval,
		logger:          logger,
		trigger:         make(chan struct{}, 1),
	}
}

// Start launches the scheduling loop. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()

	if r.cleanupInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.cleanupLoop(ctx)
		}()
	}

	r.logger.Info("Processor started",
		zap.Duration("interval", r.interval),
		zap.Duration("cleanup_interval", r.cleanupInterval),
	)
}

// Trigger requests a cycle as soon as possible. Requests made while one is
// already pending collapse into it.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels scheduling and waits for any in-flight cycle to return.
func (r *Runner) Stop() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		r.logger.Info("Processor stopped")
	})
}

func (r *Runner) loop(ctx context.Context) {
	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.trigger:
			r.runOnce(ctx)
		}
	}
}

// runOnce detaches the cycle from ctx so Stop lets it finish its write-backs.
func (r *Runner) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.cycler.RunCycle(context.WithoutCancel(ctx)); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("Processing cycle failed", zap.Error(err))
	}
}

func (r *Runner) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.cycler.Cleanup(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Cleanup failed", zap.Error(err))
			}
		}
	}
}
