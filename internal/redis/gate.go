package redis

import (
	"context"
	"fmt"

	"github.com/streak-league/internal/domain"
)

// Process-wide gate keys of the scheduler
const (
	gateDailyKey   = "scheduler:lastDailyUpdate"
	gateMonthlyKey = "scheduler:lastMonthlyPromotion"
)

// LoadSchedulerState reads both gate keys. Unset keys yield empty strings.
func (s *Store) LoadSchedulerState(ctx context.Context) (domain.SchedulerState, error) {
	values, err := s.client.MGet(ctx, gateDailyKey, gateMonthlyKey).Result()
	if err != nil && !isNil(err) {
		return domain.SchedulerState{}, fmt.Errorf("loading scheduler state: %w", err)
	}

	var state domain.SchedulerState
	if len(values) == 2 {
		state.LastDaily, _ = values[0].(string)
		state.LastMonthly, _ = values[1].(string)
	}
	return state, nil
}

// MarkDaily stamps the day key of the last daily update
func (s *Store) MarkDaily(ctx context.Context, day string) error {
	if err := s.client.Set(ctx, gateDailyKey, day, 0).Err(); err != nil {
		return fmt.Errorf("marking daily update: %w", err)
	}
	return nil
}

// MarkMonthly stamps the month key of the last promotion
func (s *Store) MarkMonthly(ctx context.Context, month string) error {
	if err := s.client.Set(ctx, gateMonthlyKey, month, 0).Err(); err != nil {
		return fmt.Errorf("marking monthly promotion: %w", err)
	}
	return nil
}
