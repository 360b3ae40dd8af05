package apexapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"apexbot/internal/lookup"
)

// Observation is one normalized read of a player's state. Display strings
// are already translated.
type Observation struct {
	PlayerName         string
	UID                string
	Platform           string
	Level              int
	ToNextLevelPercent float64

	Score        int
	RankName     string
	RankDivision int // 0 when the tier has no divisions
	Percentile   string

	IsOnline       bool
	Legend         string
	LegendTier     string
	State          string
	InLobbyOrMatch bool
}

// bridgeResponse mirrors the provider payload. Optional fields are
// pointers or lenient types so defaults are applied in one place.
type bridgeResponse struct {
	Error  string `json:"Error"`
	Global struct {
		Name               string     `json:"name"`
		UID                flexString `json:"uid"`
		Platform           string     `json:"platform"`
		Level              int        `json:"level"`
		ToNextLevelPercent float64    `json:"toNextLevelPercent"`
		Rank               *struct {
			RankScore  *int       `json:"rankScore"`
			RankName   *string    `json:"rankName"`
			RankDiv    *int       `json:"rankDiv"`
			Percentile flexString `json:"ALStopPercentGlobal"`
		} `json:"rank"`
	} `json:"global"`
	Realtime struct {
		IsOnline           flexBool `json:"isOnline"`
		SelectedLegend     string   `json:"selectedLegend"`
		CurrentStateAsText string   `json:"currentStateAsText"`
	} `json:"realtime"`
}

const defaultRankName = "Unranked"

func (r *bridgeResponse) observation(requested string) Observation {
	o := Observation{
		PlayerName:         r.Global.Name,
		UID:                string(r.Global.UID),
		Platform:           r.Global.Platform,
		Level:              r.Global.Level,
		ToNextLevelPercent: r.Global.ToNextLevelPercent,
		RankName:           defaultRankName,
		Percentile:         lookup.Unknown,
	}
	if o.PlayerName == "" {
		o.PlayerName = requested
	}
	if rk := r.Global.Rank; rk != nil {
		if rk.RankScore != nil {
			o.Score = *rk.RankScore
		}
		if rk.RankName != nil && strings.TrimSpace(*rk.RankName) != "" {
			o.RankName = *rk.RankName
		}
		if rk.RankDiv != nil {
			o.RankDivision = *rk.RankDiv
		}
		if p := strings.TrimSpace(string(rk.Percentile)); p != "" {
			o.Percentile = p
		}
	}
	o.RankName = lookup.RankName(o.RankName)

	rt := r.Realtime
	o.IsOnline = bool(rt.IsOnline)
	o.Legend = lookup.Legend(rt.SelectedLegend)
	o.LegendTier = lookup.LegendTier(rt.SelectedLegend)
	o.State = lookup.State(rt.CurrentStateAsText)
	o.InLobbyOrMatch = lookup.InLobbyOrMatch(rt.CurrentStateAsText)
	return o
}

// flexString accepts a JSON string or number; null becomes "".
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexBool accepts true/false, 0/1 and their string forms.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	switch strings.ToLower(s) {
	case "", "null", "false", "0":
		*f = false
		return nil
	case "true":
		*f = true
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = n != 0
	return nil
}
