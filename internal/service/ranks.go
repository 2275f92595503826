package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/metrics"
	"github.com/streak-league/internal/period"
	"github.com/streak-league/internal/ranking"
)

func newSummary(now time.Time) *domain.PassSummary {
	return &domain.PassSummary{
		RunID:     uuid.New().String(),
		StartedAt: now,
	}
}

func addFailure(summary *domain.PassSummary, userID string, err error) {
	summary.Failures = append(summary.Failures, domain.ItemFailure{UserID: userID, Error: err.Error()})
}

func (s *RankingService) finish(summary *domain.PassSummary, pass string) {
	summary.Duration = s.now().Sub(summary.StartedAt)
	metrics.RecordPass(pass, summary.Duration, summary.Processed, summary.Failed())
}

// loadEntries reads the compact ranking state of the whole population
func (s *RankingService) loadEntries(ctx context.Context) ([]ranking.Entry, error) {
	var entries []ranking.Entry
	err := s.store.ScanRankings(ctx, s.batchSize(), false, func(batch []*domain.RankingRecord) error {
		for _, rec := range batch {
			entries = append(entries, ranking.Entry{
				UserID:     rec.UserID,
				League:     rec.CurrentLeague,
				Score:      rec.Score,
				LeagueRank: rec.CurrentLeagueRank(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dedupe(entries), nil
}

// dedupe drops repeated user ids a scan may return
func dedupe(entries []ranking.Entry) []ranking.Entry {
	seen := make(map[string]struct{}, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if _, ok := seen[e.UserID]; ok {
			continue
		}
		seen[e.UserID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// RecalculateAllRanks recomputes league and global ranks for every user.
// Write failures are collected in the summary and do not stop the pass.
func (s *RankingService) RecalculateAllRanks(ctx context.Context) (*domain.PassSummary, error) {
	summary := newSummary(s.now())

	entries, err := s.loadEntries(ctx)
	if err != nil {
		s.finish(summary, "ranks")
		return summary, fmt.Errorf("loading rankings: %w", err)
	}

	placements := ranking.Calculate(entries)
	summary.Excluded = len(entries) - len(placements)

	for _, p := range placements {
		if err := ctx.Err(); err != nil {
			s.finish(summary, "ranks")
			return summary, fmt.Errorf("recalculating ranks: %w", err)
		}
		summary.Processed++
		if err := s.store.SaveRanks(ctx, p.UserID, p.League, p.LeagueRank, p.GlobalRank); err != nil {
			s.logger.Error("failed to save ranks", "user_id", p.UserID, "league", p.League, "error", err)
			addFailure(summary, p.UserID, err)
		}
	}

	s.finish(summary, "ranks")
	s.logger.Info("ranks recalculated",
		"run_id", summary.RunID,
		"processed", summary.Processed,
		"excluded", summary.Excluded,
		"failed", summary.Failed(),
		"duration", summary.Duration,
	)

	s.broadcastStandings(ctx)
	return summary, nil
}

func (s *RankingService) broadcastStandings(ctx context.Context) {
	if s.broadcaster == nil {
		return
	}
	for _, league := range domain.Leagues {
		standings, err := s.GetLeagueTopUsers(ctx, league, s.config.BroadcastTopN)
		if err != nil {
			s.logger.Warn("failed to load standings for broadcast", "league", league, "error", err)
			continue
		}
		s.broadcaster.BroadcastLeagueUpdate(league, standings)
	}
}

// PromoteTopUsers moves the top users of each promotable league up one tier
// and re-ranks the population once afterwards
func (s *RankingService) PromoteTopUsers(ctx context.Context) (*domain.PromotionSummary, error) {
	now := s.now()
	month := period.MonthKey(now, s.loc)
	summary := &domain.PromotionSummary{Month: month, Promoted: []domain.PromotionEvent{}}

	entries, err := s.loadEntries(ctx)
	if err != nil {
		return summary, fmt.Errorf("loading rankings: %w", err)
	}

	for _, p := range ranking.SelectPromotions(entries, s.config.PromotionCount) {
		ev := domain.PromotionEvent{
			UserID:     p.UserID,
			FromLeague: p.From,
			ToLeague:   p.To,
			Month:      month,
			PromotedAt: now,
		}
		if err := s.store.MoveLeague(ctx, ev); err != nil {
			s.logger.Error("failed to promote user", "user_id", p.UserID, "from", p.From, "to", p.To, "error", err)
			summary.Failures = append(summary.Failures, domain.ItemFailure{UserID: p.UserID, Error: err.Error()})
			continue
		}

		summary.Promoted = append(summary.Promoted, ev)
		metrics.RecordPromotion(string(p.From), string(p.To))

		if s.recorder != nil {
			if err := s.recorder.RecordPromotion(ctx, ev); err != nil {
				// Audit trail only
				s.logger.Warn("failed to record promotion event", "user_id", p.UserID, "error", err)
			}
		}
	}

	s.logger.Info("users promoted",
		"month", month,
		"promoted", len(summary.Promoted),
		"failed", len(summary.Failures),
	)

	rerank, err := s.RecalculateAllRanks(ctx)
	summary.Rerank = rerank
	if err != nil {
		return summary, fmt.Errorf("re-ranking after promotion: %w", err)
	}
	return summary, nil
}
