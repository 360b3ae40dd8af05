package apex

import (
	"fmt"
	"html"
	"strings"

	"apexbot/internal/apexapi"
	"apexbot/internal/lookup"
	"apexbot/internal/tracker"
)

func formatObservation(obs apexapi.Observation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(obs.PlayerName))
	if obs.Platform != "" {
		fmt.Fprintf(&b, " [%s]", html.EscapeString(obs.Platform))
	}
	fmt.Fprintf(&b, "\n等级：%d (%.0f%%)", obs.Level, obs.ToNextLevelPercent)
	fmt.Fprintf(&b, "\n段位：%s", html.EscapeString(tracker.RankDisplay(obs.RankName, obs.RankDivision)))
	fmt.Fprintf(&b, "\n分数：%d", obs.Score)
	if obs.Percentile != "" && obs.Percentile != lookup.Unknown {
		fmt.Fprintf(&b, "\n全球排名：前 %s%%", html.EscapeString(obs.Percentile))
	}
	fmt.Fprintf(&b, "\n在线：%s", lookup.OnlineStatus(obs.IsOnline))
	if obs.IsOnline {
		fmt.Fprintf(&b, "\n当前英雄：%s", html.EscapeString(tracker.LegendDisplay(obs.Legend, obs.LegendTier)))
		if obs.State != "" {
			fmt.Fprintf(&b, "\n状态：%s", html.EscapeString(obs.State))
		}
	}
	return b.String()
}

func formatList(players []tracker.PlayerSnapshot) string {
	if len(players) == 0 {
		return msgEmptyList
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>本群订阅（%d）</b>", len(players))
	for i, s := range players {
		fmt.Fprintf(&b, "\n%d. %s · %s · %d",
			i+1,
			html.EscapeString(s.PlayerName),
			html.EscapeString(tracker.RankDisplay(s.RankName, s.RankDivision)),
			s.RankScore,
		)
	}
	return b.String()
}
