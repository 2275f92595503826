package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streak-league/internal/scheduler"
)

// PeriodRunner runs the gated period checks
type PeriodRunner interface {
	CheckAndRunDailyUpdate(ctx context.Context) (scheduler.Outcome, error)
	CheckAndRunMonthlyPromotion(ctx context.Context) (scheduler.Outcome, error)
}

// TriggerWorker asks the scheduler facade to run the period checks on a
// fixed interval. The facade's gate makes extra ticks harmless.
type TriggerWorker struct {
	runner   PeriodRunner
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewTriggerWorker creates a new trigger worker
func NewTriggerWorker(runner PeriodRunner, interval time.Duration, logger *slog.Logger) *TriggerWorker {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &TriggerWorker{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs one check immediately and then one per interval
func (w *TriggerWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("trigger worker started", "interval", w.interval)

	go w.run(ctx)
	return nil
}

// Stop stops the trigger worker and waits for an in-flight check
func (w *TriggerWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("trigger worker stopped")
	return nil
}

func (w *TriggerWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs the daily check and then the monthly check. A daily failure
// does not prevent the monthly check.
func (w *TriggerWorker) RunOnce(ctx context.Context) {
	if out, err := w.runner.CheckAndRunDailyUpdate(ctx); err != nil {
		w.logger.Error("daily check failed", "error", err)
	} else if out.Ran {
		w.logger.Info("daily update ran", "period", out.Period, "executor", out.Executor)
	}

	if out, err := w.runner.CheckAndRunMonthlyPromotion(ctx); err != nil {
		w.logger.Error("monthly check failed", "error", err)
	} else if out.Ran {
		w.logger.Info("monthly promotion ran", "period", out.Period, "executor", out.Executor)
	}
}
