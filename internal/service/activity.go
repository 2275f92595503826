package service

import (
	"context"
	"errors"

	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/metrics"
)

// TrackActivity credits minutes spent on surface to the user's score.
// Unknown surfaces, zero deltas and users without a ranking record are
// ignored. Failures are logged, never returned.
func (s *RankingService) TrackActivity(ctx context.Context, userID, surface string, minutes float64) {
	delta := s.rates.Delta(surface, minutes)
	if delta == 0 || userID == "" {
		metrics.RecordActivity("skipped")
		return
	}

	score, err := s.store.ApplyActivity(ctx, userID, surface, delta, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrRankingNotFound) {
			metrics.RecordActivity("skipped")
			return
		}
		metrics.RecordActivity("failed")
		s.logger.Warn("failed to save activity", "user_id", userID, "surface", surface, "error", err)
		return
	}

	metrics.RecordActivity("applied")
	s.logger.Debug("activity tracked",
		"user_id", userID,
		"surface", surface,
		"delta", delta,
		"score", score,
	)
}

// TrackEvent applies a page activity event
func (s *RankingService) TrackEvent(ctx context.Context, ev domain.ActivityEvent) {
	s.TrackActivity(ctx, ev.UserID, ev.Surface, ev.Minutes)
}
