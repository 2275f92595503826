package domain

import "strings"

// League is a ranking tier. The zero value is not a league.
type League string

const (
	LeagueWarrior   League = "Warrior"
	LeagueElite     League = "Elite"
	LeagueConqueror League = "Conqueror"
)

// Leagues lists every league from entry tier to terminal tier
var Leagues = []League{LeagueWarrior, LeagueElite, LeagueConqueror}

// PromotableLeagues are the leagues whose top users move up each month.
// Conqueror is terminal and never appears here.
var PromotableLeagues = []League{LeagueWarrior, LeagueElite}

// Tier returns the ordinal of the league, higher is better. Unknown leagues are 0.
func (l League) Tier() int {
	switch l {
	case LeagueWarrior:
		return 1
	case LeagueElite:
		return 2
	case LeagueConqueror:
		return 3
	default:
		return 0
	}
}

// Valid reports whether l is one of the known leagues
func (l League) Valid() bool {
	return l.Tier() > 0
}

// Next returns the league above l. ok is false for Conqueror and unknown leagues.
func (l League) Next() (next League, ok bool) {
	switch l {
	case LeagueWarrior:
		return LeagueElite, true
	case LeagueElite:
		return LeagueConqueror, true
	default:
		return "", false
	}
}

// ParseLeague accepts a league name in any letter case
func ParseLeague(s string) (League, error) {
	for _, l := range Leagues {
		if strings.EqualFold(string(l), strings.TrimSpace(s)) {
			return l, nil
		}
	}
	return "", ErrInvalidLeague
}
