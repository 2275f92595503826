package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/period"
	"github.com/streak-league/internal/scoring"
)

// InitializeRanking creates the user's ranking record from snap. An existing
// record is returned unchanged.
func (s *RankingService) InitializeRanking(ctx context.Context, userID string, snap domain.Snapshot) (*domain.RankingRecord, error) {
	if userID == "" {
		return nil, domain.ErrInvalidRequest
	}

	existing, err := s.store.GetRanking(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrRankingNotFound) {
		return nil, domain.NewUserError(userID, err)
	}

	now := s.now()
	score := scoring.ComputeBaseScore(snap, now, s.loc, s.weights)
	rec := &domain.RankingRecord{
		UserID:          userID,
		Score:           score,
		CurrentLeague:   domain.LeagueWarrior,
		LeagueRank:      map[domain.League]int{domain.LeagueWarrior: 0},
		LastScoreUpdate: now,
		MonthJoined:     period.MonthKey(now, s.loc),
		PageActivity:    map[string]float64{},
		ScoreHistory:    map[string]int64{period.DayKey(now, s.loc): score},
	}

	created, err := s.store.CreateRanking(ctx, rec)
	if err != nil {
		return nil, domain.NewUserError(userID, err)
	}
	if !created {
		// Lost a race with another initializer
		existing, err := s.store.GetRanking(ctx, userID)
		if err != nil {
			return nil, domain.NewUserError(userID, err)
		}
		return existing, nil
	}

	s.logger.Info("ranking initialized", "user_id", userID, "score", score)
	return rec, nil
}

// GetRanking returns the user's ranking record, initializing it from the
// user's profile when none exists yet
func (s *RankingService) GetRanking(ctx context.Context, userID string) (*domain.RankingRecord, error) {
	if userID == "" {
		return nil, domain.ErrInvalidRequest
	}

	rec, err := s.store.GetRanking(ctx, userID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrRankingNotFound) {
		return nil, domain.NewUserError(userID, err)
	}

	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, domain.NewUserError(userID, err)
	}
	return s.InitializeRanking(ctx, userID, profile.Snapshot)
}

// RecomputeBaseScore recomputes the base score from snap and stores it with the
// user's accumulated activity added on top
func (s *RankingService) RecomputeBaseScore(ctx context.Context, userID string, snap domain.Snapshot) (int64, error) {
	if userID == "" {
		return 0, domain.ErrInvalidRequest
	}
	return s.recompute(ctx, userID, snap)
}

func (s *RankingService) recompute(ctx context.Context, userID string, snap domain.Snapshot) (int64, error) {
	now := s.now()
	base := scoring.ComputeBaseScore(snap, now, s.loc, s.weights)

	score, err := s.store.SaveBaseScore(ctx, userID, base, period.DayKey(now, s.loc), now)
	if err != nil {
		return 0, domain.NewUserError(userID, err)
	}
	return score, nil
}

// RecomputeAllScores recomputes the score of every ranked user from their
// current profile. Per-user failures are collected, not fatal.
func (s *RankingService) RecomputeAllScores(ctx context.Context) (*domain.PassSummary, error) {
	summary := newSummary(s.now())

	err := s.store.ScanRankings(ctx, s.batchSize(), false, func(batch []*domain.RankingRecord) error {
		ids := make([]string, len(batch))
		for i, rec := range batch {
			ids[i] = rec.UserID
		}
		profiles, err := s.profiles.GetProfiles(ctx, ids)
		if err != nil {
			return fmt.Errorf("loading profiles: %w", err)
		}

		for _, rec := range batch {
			profile, ok := profiles[rec.UserID]
			if !ok {
				summary.Excluded++
				continue
			}
			summary.Processed++
			if _, err := s.recompute(ctx, rec.UserID, profile.Snapshot); err != nil {
				s.logger.Error("failed to recompute score", "user_id", rec.UserID, "error", err)
				addFailure(summary, rec.UserID, err)
			}
		}
		return nil
	})

	s.finish(summary, "scores")
	if err != nil {
		return summary, fmt.Errorf("recomputing scores: %w", err)
	}

	s.logger.Info("scores recomputed",
		"run_id", summary.RunID,
		"processed", summary.Processed,
		"excluded", summary.Excluded,
		"failed", summary.Failed(),
	)
	return summary, nil
}
