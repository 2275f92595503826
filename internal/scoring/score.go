// Package scoring computes the composite base score from a behavioural snapshot
// and holds the points-per-minute table used for page activity.
package scoring

import (
	"math"
	"time"

	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/period"
)

// Signal weights a single input: contribution = min(value * Multiplier, Cap)
type Signal struct {
	Multiplier float64 `yaml:"multiplier"`
	Cap        float64 `yaml:"cap"`
}

func (s Signal) apply(value int) float64 {
	if value <= 0 {
		return 0
	}
	return math.Min(float64(value)*s.Multiplier, s.Cap)
}

// Weights configures every sub-score of the base score
type Weights struct {
	HabitCurrent   Signal  `yaml:"habit_current"`
	HabitBest      Signal  `yaml:"habit_best"`
	HabitMonthly   Signal  `yaml:"habit_monthly"`
	ReadingCurrent Signal  `yaml:"reading_current"`
	ReadingBest    Signal  `yaml:"reading_best"`
	ReadingMonthly Signal  `yaml:"reading_monthly"`
	Health         Signal  `yaml:"health"`
	ConsistencyCap float64 `yaml:"consistency_cap"`
	MaxScore       float64 `yaml:"max_score"`
}

// DefaultWeights returns the production weighting with a 500 point ceiling
func DefaultWeights() Weights {
	return Weights{
		HabitCurrent:   Signal{Multiplier: 2, Cap: 80},
		HabitBest:      Signal{Multiplier: 1.5, Cap: 60},
		HabitMonthly:   Signal{Multiplier: 2.5, Cap: 50},
		ReadingCurrent: Signal{Multiplier: 2.5, Cap: 70},
		ReadingBest:    Signal{Multiplier: 2, Cap: 50},
		ReadingMonthly: Signal{Multiplier: 2, Cap: 40},
		Health:         Signal{Multiplier: 1, Cap: 100},
		ConsistencyCap: 50,
		MaxScore:       500,
	}
}

// IsZero reports whether no weight has been configured
func (w Weights) IsZero() bool {
	return w == Weights{}
}

// consistencyTiers maps days since the last activity to tier points,
// first matching row wins.
var consistencyTiers = []struct {
	maxDays int
	points  float64
}{
	{0, 30},
	{1, 25},
	{3, 20},
	{7, 15},
	{14, 10},
}

const (
	consistencyFloor   = 5
	consistencyTierMax = 30
)

// Breakdown lists each sub-score before the final sum
type Breakdown struct {
	HabitCurrent   float64 `json:"habit_current"`
	HabitBest      float64 `json:"habit_best"`
	HabitMonthly   float64 `json:"habit_monthly"`
	ReadingCurrent float64 `json:"reading_current"`
	ReadingBest    float64 `json:"reading_best"`
	ReadingMonthly float64 `json:"reading_monthly"`
	Health         float64 `json:"health"`
	Consistency    float64 `json:"consistency"`
}

// Total sums the sub-scores
func (b Breakdown) Total() float64 {
	return b.HabitCurrent + b.HabitBest + b.HabitMonthly +
		b.ReadingCurrent + b.ReadingBest + b.ReadingMonthly +
		b.Health + b.Consistency
}

// Explain computes every sub-score of snap at time now
func Explain(snap domain.Snapshot, now time.Time, loc *time.Location, w Weights) Breakdown {
	month := period.MonthKey(now, loc)
	return Breakdown{
		HabitCurrent:   w.HabitCurrent.apply(snap.Habit.Current),
		HabitBest:      w.HabitBest.apply(snap.Habit.Best),
		HabitMonthly:   w.HabitMonthly.apply(snap.Habit.Monthly[month]),
		ReadingCurrent: w.ReadingCurrent.apply(snap.Reading.Current),
		ReadingBest:    w.ReadingBest.apply(snap.Reading.Best),
		ReadingMonthly: w.ReadingMonthly.apply(snap.Reading.Monthly[month]),
		Health:         w.Health.apply(snap.HealthScore),
		Consistency:    consistency(snap.LastActivity(), now, w.ConsistencyCap),
	}
}

// ComputeBaseScore returns the composite score of snap clamped to [0, w.MaxScore].
// Missing fields count as zero; it never fails.
func ComputeBaseScore(snap domain.Snapshot, now time.Time, loc *time.Location, w Weights) int64 {
	total := math.Round(Explain(snap, now, loc, w).Total())
	return int64(math.Max(0, math.Min(total, w.MaxScore)))
}

func consistency(last, now time.Time, max float64) float64 {
	tier := float64(consistencyFloor)
	if !last.IsZero() {
		days := period.DaysSince(last, now)
		for _, t := range consistencyTiers {
			if days <= t.maxDays {
				tier = t.points
				break
			}
		}
	}
	return math.Round(tier / consistencyTierMax * max)
}
