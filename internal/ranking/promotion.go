package ranking

import (
	"sort"

	"github.com/streak-league/internal/domain"
)

// DefaultPromotionCount is how many users leave each promotable league per month
const DefaultPromotionCount = 10

// Promotion moves one user up a league
type Promotion struct {
	UserID string
	From   domain.League
	To     domain.League
}

// SelectPromotions picks the top count users of every promotable league by
// league rank. Unranked users (rank 0) come after ranked ones, then score and
// user id break ties. All leagues are evaluated against the same input so a
// user can climb at most one tier per call.
func SelectPromotions(entries []Entry, count int) []Promotion {
	if count <= 0 {
		return nil
	}

	buckets := make(map[domain.League][]Entry, len(domain.PromotableLeagues))
	for _, e := range entries {
		buckets[e.League] = append(buckets[e.League], e)
	}

	var promotions []Promotion
	for _, from := range domain.PromotableLeagues {
		to, ok := from.Next()
		if !ok {
			continue
		}
		bucket := buckets[from]
		sort.Slice(bucket, func(i, j int) bool {
			return promotionLess(bucket[i], bucket[j])
		})
		if len(bucket) > count {
			bucket = bucket[:count]
		}
		for _, e := range bucket {
			promotions = append(promotions, Promotion{UserID: e.UserID, From: from, To: to})
		}
	}
	return promotions
}

func promotionLess(a, b Entry) bool {
	ra, rb := a.LeagueRank, b.LeagueRank
	if (ra == 0) != (rb == 0) {
		return rb == 0
	}
	if ra != rb {
		return ra < rb
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.UserID < b.UserID
}
