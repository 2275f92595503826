// Package ranking assigns dense league and global ranks and selects users for
// promotion. It is pure: callers load entries from storage and persist results.
package ranking

import (
	"sort"

	"github.com/streak-league/internal/domain"
)

// Entry is the compact view of a ranking record needed to rank it
type Entry struct {
	UserID     string
	League     domain.League
	Score      int64
	LeagueRank int
}

// Placement is the rank assignment computed for one user
type Placement struct {
	UserID     string
	League     domain.League
	LeagueRank int
	GlobalRank int
}

// Calculate ranks every entry with a known league. Within a league entries are
// ordered by score descending, ties by user id ascending, and receive ranks
// 1..N. The global order puts higher tiers first regardless of score, then
// lower league rank, then user id. Entries without a valid league are skipped.
func Calculate(entries []Entry) []Placement {
	buckets := make(map[domain.League][]Entry, len(domain.Leagues))
	for _, e := range entries {
		if !e.League.Valid() {
			continue
		}
		buckets[e.League] = append(buckets[e.League], e)
	}

	placements := make([]Placement, 0, len(entries))
	for _, league := range domain.Leagues {
		bucket := buckets[league]
		sort.Slice(bucket, func(i, j int) bool {
			if bucket[i].Score != bucket[j].Score {
				return bucket[i].Score > bucket[j].Score
			}
			return bucket[i].UserID < bucket[j].UserID
		})
		for i, e := range bucket {
			placements = append(placements, Placement{
				UserID:     e.UserID,
				League:     league,
				LeagueRank: i + 1,
			})
		}
	}

	sort.Slice(placements, func(i, j int) bool {
		a, b := placements[i], placements[j]
		if a.League.Tier() != b.League.Tier() {
			return a.League.Tier() > b.League.Tier()
		}
		if a.LeagueRank != b.LeagueRank {
			return a.LeagueRank < b.LeagueRank
		}
		return a.UserID < b.UserID
	})
	for i := range placements {
		placements[i].GlobalRank = i + 1
	}

	return placements
}
