// Package lookup translates upstream game vocabulary for display.
//
// Every table is fixed at build time. A miss returns the input unchanged.
package lookup

import (
	"regexp"
	"strings"
)

// Unknown is shown for optional values the upstream did not provide.
const Unknown = "unknown"

func translate(table map[string]string, s string) string {
	key := strings.ToLower(strings.TrimSpace(s))
	if v, ok := table[key]; ok {
		return v
	}
	return s
}

func RankName(s string) string { return translate(rankNames, s) }

func Legend(s string) string { return translate(legendNames, s) }

// LegendTier returns the tier letter of a legend, or Unknown.
func LegendTier(legend string) string {
	if t, ok := legendTiers[strings.ToLower(strings.TrimSpace(legend))]; ok {
		return t
	}
	return Unknown
}

func OnlineStatus(online bool) string {
	if online {
		return stateNames["online"]
	}
	return stateNames["offline"]
}

// timerSuffix matches a trailing "(m:ss)" or "(mm:ss)" elapsed-time
// annotation, e.g. "In match (12:34)".
var timerSuffix = regexp.MustCompile(`^(.*?)\s*\((\d{1,2}:\d{2})\)\s*$`)

// SplitTimer separates an activity string from its trailing timer.
// timer is empty when there is none.
func SplitTimer(s string) (base, timer string) {
	m := timerSuffix.FindStringSubmatch(s)
	if m == nil {
		return strings.TrimSpace(s), ""
	}
	return m[1], m[2]
}

// State translates an activity string, keeping a trailing timer intact:
// "In match (12:34)" becomes "比赛中 (12:34)".
func State(s string) string {
	base, timer := SplitTimer(s)
	out := translate(stateNames, base)
	if timer != "" {
		out += " (" + timer + ")"
	}
	return out
}

// InLobbyOrMatch reports whether a raw activity string places the player
// in a lobby or a match.
func InLobbyOrMatch(raw string) bool {
	s := strings.ToLower(raw)
	return strings.Contains(s, "lobby") || strings.Contains(s, "match")
}
