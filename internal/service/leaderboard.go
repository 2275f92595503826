package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/streak-league/internal/domain"
)

// GetLeagueTopUsers returns the highest scoring members of league, joined with
// their profile name and streaks
func (s *RankingService) GetLeagueTopUsers(ctx context.Context, league domain.League, limit int) ([]domain.LeagueStanding, error) {
	if !league.Valid() {
		return nil, domain.ErrInvalidLeague
	}

	// Validate limit
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}
	if s.config.MaxLimit > 0 && limit > s.config.MaxLimit {
		limit = s.config.MaxLimit
	}
	if limit <= 0 {
		limit = 50
	}

	entries, err := s.store.LeagueTop(ctx, league, limit)
	if err != nil {
		return nil, fmt.Errorf("getting league top: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID < entries[j].UserID
	})

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.UserID
	}

	records, err := s.store.GetRankings(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("getting rankings: %w", err)
	}
	profiles, err := s.profiles.GetProfiles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("getting profiles: %w", err)
	}

	standings := make([]domain.LeagueStanding, 0, len(entries))
	for _, e := range entries {
		rec, ok := records[e.UserID]
		if !ok || rec.CurrentLeague != league {
			// The set trails the record; the next rank pass realigns it
			continue
		}
		standing := domain.LeagueStanding{
			UserID:     e.UserID,
			Score:      e.Score,
			League:     league,
			LeagueRank: rec.LeagueRank[league],
			GlobalRank: rec.GlobalRank,
		}
		if p, ok := profiles[e.UserID]; ok {
			standing.Name = p.Name
			standing.HabitStreak = p.Snapshot.Habit.Current
			standing.ReadingStreak = p.Snapshot.Reading.Current
		}
		standings = append(standings, standing)
	}
	return standings, nil
}
