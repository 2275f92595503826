package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streak-league/internal/domain"
)

// Operation names a schedulable operation
type Operation string

const (
	OpDaily   Operation = "daily"
	OpMonthly Operation = "monthly"
)

// Executor runs the scheduled operations somewhere
type Executor interface {
	RunDailyUpdate(ctx context.Context) error
	RunMonthlyPromotion(ctx context.Context) error
}

func run(ctx context.Context, e Executor, op Operation) error {
	if op == OpMonthly {
		return e.RunMonthlyPromotion(ctx)
	}
	return e.RunDailyUpdate(ctx)
}

// Operations are the ranking passes the local executor drives
type Operations interface {
	RecomputeAllScores(ctx context.Context) (*domain.PassSummary, error)
	RecalculateAllRanks(ctx context.Context) (*domain.PassSummary, error)
	PromoteTopUsers(ctx context.Context) (*domain.PromotionSummary, error)
}

// LocalExecutor runs the passes in-process
type LocalExecutor struct {
	ops    Operations
	logger *slog.Logger
}

// NewLocalExecutor creates a new in-process executor
func NewLocalExecutor(ops Operations, logger *slog.Logger) *LocalExecutor {
	return &LocalExecutor{
		ops:    ops,
		logger: logger,
	}
}

// RunDailyUpdate recomputes every score and then every rank
func (e *LocalExecutor) RunDailyUpdate(ctx context.Context) error {
	scores, err := e.ops.RecomputeAllScores(ctx)
	if err != nil {
		return fmt.Errorf("daily score pass: %w", err)
	}
	ranks, err := e.ops.RecalculateAllRanks(ctx)
	if err != nil {
		return fmt.Errorf("daily rank pass: %w", err)
	}

	e.logger.Info("daily update completed",
		"scores_run_id", scores.RunID,
		"ranks_run_id", ranks.RunID,
		"score_failures", scores.Failed(),
		"rank_failures", ranks.Failed(),
	)
	return nil
}

// RunMonthlyPromotion promotes the top users of each promotable league
func (e *LocalExecutor) RunMonthlyPromotion(ctx context.Context) error {
	summary, err := e.ops.PromoteTopUsers(ctx)
	if err != nil {
		return fmt.Errorf("monthly promotion: %w", err)
	}

	e.logger.Info("monthly promotion completed",
		"month", summary.Month,
		"promoted", len(summary.Promoted),
		"failures", len(summary.Failures),
	)
	return nil
}
