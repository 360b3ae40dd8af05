package tracker

import (
	"strings"
	"time"
)

// PlayerSnapshot is the last accepted state of one tracked player.
type PlayerSnapshot struct {
	PlayerName    string    `json:"player_name"`
	RankScore     int       `json:"rank_score"`
	RankName      string    `json:"rank_name"`
	RankDivision  int       `json:"rank_division"`
	LastCheckedAt time.Time `json:"last_checked_at"`

	GlobalRankPercentile string `json:"global_rank_percentile,omitempty"`
	SelectedCharacter    string `json:"selected_character,omitempty"`
	CharacterTier        string `json:"character_tier,omitempty"`
}

// Key is the lookup form of a player name.
func Key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// GroupSubscription is one chat group's tracked players in insertion order.
type GroupSubscription struct {
	GroupID string           `json:"group_id"`
	Players []PlayerSnapshot `json:"players"`
}

type Verdict int

const (
	// Invalid: the new score is below the minimum plausible value.
	Invalid Verdict = iota + 1
	// AnomalousDrop: the score fell by more than the allowed threshold.
	AnomalousDrop
	Unchanged
	Changed
)

func (v Verdict) String() string {
	switch v {
	case Invalid:
		return "invalid"
	case AnomalousDrop:
		return "anomalous_drop"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	default:
		return "unknown"
	}
}

// Added is the outcome of a successful Add.
type Added struct {
	Snapshot PlayerSnapshot
	// Confirmed is false when the confirmation did not reach the group.
	Confirmed bool
}

// RankChange is published as "tracker.rank_changed".
type RankChange struct {
	GroupID string
	Before  PlayerSnapshot
	After   PlayerSnapshot
}

func (c RankChange) Delta() int { return c.After.RankScore - c.Before.RankScore }

// PassResult summarizes one reconciliation pass and is published as
// "tracker.pass_done".
type PassResult struct {
	Started   time.Time
	Duration  time.Duration
	Players   int
	Skipped   int
	Fetched   int
	Failed    int
	Changed   int
	Rejected  int
	Unchanged int
	Notified  int
}
