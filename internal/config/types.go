package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Telegram  TelegramConfig             `json:"telegram"`
	Logging   LoggingConfig              `json:"logging"`
	Scheduler SchedulerConfig            `json:"scheduler"`
	Notifier  NotifierConfig             `json:"notifier"`
	Ops       OpsConfig                  `json:"ops,omitempty"`
	Plugins   map[string]PluginConfigRaw `json:"plugins"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// LogChatID receives log records when logging.chat is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the cron-backed scheduler.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name; empty means local time.
	Timezone string `json:"timezone,omitempty"`
	// DefaultTimeout bounds each job run. "0s" disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// NotifierConfig controls outbound group notifications.
//
// The Telegram bot is always the first channel. Webhooks are tried after it,
// in order, when Telegram delivery fails.
type NotifierConfig struct {
	RatePerSec  int             `json:"rate_per_sec"`
	SendTimeout string          `json:"send_timeout,omitempty"`
	Webhooks    []WebhookConfig `json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token,omitempty"` // sent as a bearer token (do not log)
}

// OpsConfig controls the operational HTTP server (pprof + Prometheus).
//
// Prefer a loopback address. A non-loopback address requires a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON rejects unknown keys so typos surface on reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
