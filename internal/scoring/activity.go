package scoring

import "math"

// RateTable maps an application surface to points earned per minute spent on it.
// Negative rates penalise time on a surface.
type RateTable map[string]float64

// DefaultRates returns the built-in surface rates
func DefaultRates() RateTable {
	return RateTable{
		"/dashboard":   0.2,
		"/checklist":   0.5,
		"/streaks":     0.4,
		"/reading":     0.5,
		"/journal":     0.3,
		"/leaderboard": 0.1,
		"/referrals":   0.05,
		"/pricing":     -0.1,
	}
}

// Merge returns a copy of t with overrides applied on top
func (t RateTable) Merge(overrides map[string]float64) RateTable {
	merged := make(RateTable, len(t)+len(overrides))
	for k, v := range t {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// Delta returns the points for minutes spent on surface. Unknown surfaces yield 0.
func (t RateTable) Delta(surface string, minutes float64) float64 {
	return t[surface] * minutes
}

// Settle adds carry to an integer score and splits the result into the stored
// score, round(score + carry), and the fraction left over for the next update,
// so small deltas add up instead of being rounded away one at a time. The
// score never drops below 0 and a floored score carries nothing.
func Settle(score int64, carry float64) (int64, float64) {
	rounded := math.Round(float64(score) + carry)
	if rounded <= 0 && float64(score)+carry <= 0 {
		return 0, 0
	}
	whole := rounded - float64(score)
	return int64(rounded), carry - whole
}
