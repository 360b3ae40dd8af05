package tracker

import (
	"fmt"
	"html"
	"strings"

	"apexbot/internal/apexapi"
	"apexbot/internal/lookup"
)

// RankDisplay renders "钻石 2", or just the tier name when it has no
// divisions.
func RankDisplay(name string, division int) string {
	if division <= 0 {
		return name
	}
	return fmt.Sprintf("%s %d", name, division)
}

// LegendDisplay appends the tier letter when it is known: "恶灵 (S)".
func LegendDisplay(legend, tier string) string {
	if legend == "" {
		return lookup.Unknown
	}
	if tier == "" || tier == lookup.Unknown {
		return legend
	}
	return legend + " (" + tier + ")"
}

// DeltaText is "上升 N" or "下降 N".
func DeltaText(delta int) string {
	if delta < 0 {
		return fmt.Sprintf("下降 %d", -delta)
	}
	return fmt.Sprintf("上升 %d", delta)
}

// FormatChange renders a rank change notification in Telegram HTML.
// Character and activity lines appear only while the player is online; the
// activity line only when the player is in a lobby or a match.
func FormatChange(before, after PlayerSnapshot, obs apexapi.Observation) string {
	var b strings.Builder
	b.WriteString("<b>段位变动</b>\n")
	fmt.Fprintf(&b, "玩家：%s\n", html.EscapeString(after.PlayerName))
	fmt.Fprintf(&b, "分数：%d → %d (%s)\n", before.RankScore, after.RankScore, DeltaText(after.RankScore-before.RankScore))
	fmt.Fprintf(&b, "段位：%s", html.EscapeString(RankDisplay(after.RankName, after.RankDivision)))
	if obs.IsOnline {
		fmt.Fprintf(&b, "\n当前英雄：%s", html.EscapeString(LegendDisplay(obs.Legend, obs.LegendTier)))
		if obs.InLobbyOrMatch {
			fmt.Fprintf(&b, "\n状态：%s", html.EscapeString(obs.State))
		}
	}
	return b.String()
}

// FormatTracked is the confirmation sent to a group when a player is added.
func FormatTracked(s PlayerSnapshot) string {
	return fmt.Sprintf("已开始追踪 <b>%s</b>\n段位：%s\n分数：%d",
		html.EscapeString(s.PlayerName),
		html.EscapeString(RankDisplay(s.RankName, s.RankDivision)),
		s.RankScore,
	)
}
