package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/metrics"
	"github.com/streak-league/internal/period"
)

// StateStore persists the period keys of the last completed runs
type StateStore interface {
	LoadSchedulerState(ctx context.Context) (domain.SchedulerState, error)
	MarkDaily(ctx context.Context, day string) error
	MarkMonthly(ctx context.Context, month string) error
}

// Outcome reports what a facade call did
type Outcome struct {
	Operation Operation `json:"operation"`
	Period    string    `json:"period,omitempty"`
	Ran       bool      `json:"ran"`
	Executor  string    `json:"executor,omitempty"`
}

// Facade gates the daily and monthly passes to once per period and
// dispatches them remote first with a local fallback.
//
// The gate is check-then-act without a lock. Concurrent callers in the same
// period may both run the pass; the passes converge so this only costs work.
type Facade struct {
	remote Executor
	local  Executor
	state  StateStore
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// NewFacade creates a new scheduler facade. remote may be nil for local only.
func NewFacade(remote, local Executor, state StateStore, loc *time.Location, logger *slog.Logger) *Facade {
	if loc == nil {
		loc = time.UTC
	}
	return &Facade{
		remote: remote,
		local:  local,
		state:  state,
		loc:    loc,
		now:    time.Now,
		logger: logger,
	}
}

// SetClock replaces the time source
func (f *Facade) SetClock(now func() time.Time) {
	f.now = now
}

// CheckAndRunDailyUpdate runs the daily update unless it already ran today
func (f *Facade) CheckAndRunDailyUpdate(ctx context.Context) (Outcome, error) {
	day := period.DayKey(f.now(), f.loc)
	out := Outcome{Operation: OpDaily, Period: day}

	state, err := f.state.LoadSchedulerState(ctx)
	if err != nil {
		return out, err
	}
	if state.LastDaily == day {
		metrics.RecordPeriodSkip(string(OpDaily))
		return out, nil
	}

	if out.Executor, err = f.dispatch(ctx, OpDaily); err != nil {
		return out, err
	}
	out.Ran = true

	if err := f.state.MarkDaily(ctx, day); err != nil {
		return out, fmt.Errorf("stamping daily period: %w", err)
	}
	return out, nil
}

// CheckAndRunMonthlyPromotion runs the promotion on the last day of the month
// unless it already ran this month
func (f *Facade) CheckAndRunMonthlyPromotion(ctx context.Context) (Outcome, error) {
	now := f.now()
	month := period.MonthKey(now, f.loc)
	out := Outcome{Operation: OpMonthly, Period: month}

	if !period.IsLastDayOfMonth(now, f.loc) {
		return out, nil
	}

	state, err := f.state.LoadSchedulerState(ctx)
	if err != nil {
		return out, err
	}
	if state.LastMonthly == month {
		metrics.RecordPeriodSkip(string(OpMonthly))
		return out, nil
	}

	if out.Executor, err = f.dispatch(ctx, OpMonthly); err != nil {
		return out, err
	}
	out.Ran = true

	if err := f.state.MarkMonthly(ctx, month); err != nil {
		return out, fmt.Errorf("stamping monthly period: %w", err)
	}
	return out, nil
}

// ForceUpdateRanks runs the daily update regardless of the gate. The period
// key is left untouched.
func (f *Facade) ForceUpdateRanks(ctx context.Context) (Outcome, error) {
	out := Outcome{Operation: OpDaily}
	executor, err := f.dispatch(ctx, OpDaily)
	if err != nil {
		return out, err
	}
	out.Ran, out.Executor = true, executor
	return out, nil
}

// ForcePromotion runs the monthly promotion regardless of the gate or the date
func (f *Facade) ForcePromotion(ctx context.Context) (Outcome, error) {
	out := Outcome{Operation: OpMonthly}
	executor, err := f.dispatch(ctx, OpMonthly)
	if err != nil {
		return out, err
	}
	out.Ran, out.Executor = true, executor
	return out, nil
}

// dispatch tries the remote executor and falls back to the local one only
// when the remote is unavailable. It returns the executor that ran.
func (f *Facade) dispatch(ctx context.Context, op Operation) (string, error) {
	if f.remote != nil {
		err := run(ctx, f.remote, op)
		metrics.RecordExecutorRun(string(op), "remote", err)
		if err == nil {
			return "remote", nil
		}
		if !domain.IsExecutorUnavailable(err) {
			return "", fmt.Errorf("remote %s: %w", op, err)
		}
		metrics.RecordExecutorFallback(string(op))
		f.logger.Warn("remote executor unavailable, running locally", "operation", op, "error", err)
	}

	err := run(ctx, f.local, op)
	metrics.RecordExecutorRun(string(op), "local", err)
	if err != nil {
		return "", fmt.Errorf("local %s: %w", op, err)
	}
	return "local", nil
}
