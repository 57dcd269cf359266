package domain

import "time"

// MatchStatus represents the lifecycle state of a sporting event.
type MatchStatus string

const (
	MatchStatusScheduled MatchStatus = "scheduled"
	MatchStatusLive      MatchStatus = "live"
	MatchStatusCompleted MatchStatus = "completed"
)

// Match is a fixture that predictions are made for.
type Match struct {
	ID        string
	Sport     string
	League    string
	HomeTeam  string
	AwayTeam  string
	KickoffAt time.Time
	Status    MatchStatus
	UpdatedAt time.Time
}

// MarketType identifies a betting market, e.g. "1x2" or "over_under_2.5".
type MarketType string

const (
	MarketMatchResult MarketType = "1x2"
	MarketMoneyline   MarketType = "moneyline"
	MarketTotals      MarketType = "totals"
)

// OddsSnapshot is the latest decimal price per outcome for one market.
type OddsSnapshot struct {
	MatchID    string
	Market     MarketType
	Bookmaker  string
	Prices     map[string]float64
	CapturedAt time.Time
}
