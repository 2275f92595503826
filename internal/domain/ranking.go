package domain

import "time"

// RankingRecord is the ranking state owned by the engine for one user
type RankingRecord struct {
	UserID          string             `json:"userId"`
	Score           int64              `json:"score"`
	ScoreRemainder  float64            `json:"scoreRemainder,omitempty"`
	GlobalRank      int                `json:"globalRank"`
	CurrentLeague   League             `json:"currentLeague"`
	LeagueRank      map[League]int     `json:"leagueRank"`
	LastScoreUpdate time.Time          `json:"lastScoreUpdate"`
	MonthJoined     string             `json:"monthJoined"`
	PageActivity    map[string]float64 `json:"pageActivity"`
	ScoreHistory    map[string]int64   `json:"scoreHistory"`
	PromotedAt      *time.Time         `json:"promotedAt,omitempty"`
	PromotedFrom    League             `json:"promotedFrom,omitempty"`
	MonthPromoted   string             `json:"monthPromoted,omitempty"`
}

// CurrentLeagueRank returns the rank held in the user's current league, 0 if never ranked
func (r *RankingRecord) CurrentLeagueRank() int {
	if r.LeagueRank == nil {
		return 0
	}
	return r.LeagueRank[r.CurrentLeague]
}

// ActivityTotal sums every accumulated page-activity delta
func (r *RankingRecord) ActivityTotal() float64 {
	var total float64
	for _, v := range r.PageActivity {
		total += v
	}
	return total
}

// LeagueStanding is one row of a league leaderboard
type LeagueStanding struct {
	UserID        string `json:"userId"`
	Name          string `json:"name"`
	Score         int64  `json:"score"`
	League        League `json:"league"`
	LeagueRank    int    `json:"leagueRank"`
	GlobalRank    int    `json:"globalRank"`
	HabitStreak   int    `json:"habitStreak"`
	ReadingStreak int    `json:"readingStreak"`
}

// ActivityEvent reports minutes a user spent on an application surface
type ActivityEvent struct {
	UserID    string    `json:"user_id"`
	Surface   string    `json:"surface"`
	Minutes   float64   `json:"minutes"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// PromotionEvent records one user moving up a league
type PromotionEvent struct {
	UserID     string    `json:"user_id"`
	FromLeague League    `json:"from_league"`
	ToLeague   League    `json:"to_league"`
	Month      string    `json:"month"`
	PromotedAt time.Time `json:"promoted_at"`
}

// ItemFailure is a per-user failure collected during a batch pass
type ItemFailure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// PassSummary describes the outcome of a full population pass
type PassSummary struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Processed int           `json:"processed"`
	Excluded  int           `json:"excluded"`
	Failures  []ItemFailure `json:"failures,omitempty"`
}

// Failed reports how many users could not be written
func (s *PassSummary) Failed() int {
	return len(s.Failures)
}

// PromotionSummary describes a promotion run and the re-rank that followed it
type PromotionSummary struct {
	Month    string           `json:"month"`
	Promoted []PromotionEvent `json:"promoted"`
	Failures []ItemFailure    `json:"failures,omitempty"`
	Rerank   *PassSummary     `json:"rerank,omitempty"`
}

// SchedulerState holds the period keys of the last completed gated runs
type SchedulerState struct {
	LastDaily   string `json:"last_daily_update"`
	LastMonthly string `json:"last_monthly_promotion"`
}
