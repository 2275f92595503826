package domain

import "time"

// StreakCounters holds one streak type's counters. Monthly is keyed by month key.
type StreakCounters struct {
	Current   int            `json:"current"`
	Best      int            `json:"best"`
	Monthly   map[string]int `json:"monthly,omitempty"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

// Snapshot is the behavioural input to the score model. It belongs to the
// profile store and is never modified by the engine.
type Snapshot struct {
	Habit           StreakCounters `json:"habit"`
	Reading         StreakCounters `json:"reading"`
	HealthScore     int            `json:"health_score"`
	LastChecklistAt time.Time      `json:"last_checklist_at,omitempty"`
}

// LastActivity returns the most recent of the checklist and streak update
// timestamps, or the zero time when none is set
func (s Snapshot) LastActivity() time.Time {
	latest := s.LastChecklistAt
	for _, t := range []time.Time{s.Habit.UpdatedAt, s.Reading.UpdatedAt} {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// Profile is the read-only user record consumed from the profile store
type Profile struct {
	UserID   string   `json:"user_id"`
	Name     string   `json:"name"`
	Snapshot Snapshot `json:"snapshot"`
}
