package notifier

import (
	"context"
	"time"
)

// Channel is one delivery path to a group. Send tries SendPrimary first
// and SendFallback only when the primary method fails.
type Channel interface {
	Name() string
	SendPrimary(ctx context.Context, groupID, text string) error
	SendFallback(ctx context.Context, groupID, text string) error
}

// Config controls outbound notifications.
type Config struct {
	RatePerSec  int
	SendTimeout time.Duration // per channel method; 0 means 15s
	HistorySize int
	// LogGroupID receives log records forwarded by logx.
	LogGroupID string
}

type HistoryItem struct {
	At      time.Time
	GroupID string
	Channel string
	Text    string
	Error   string `json:",omitempty"`
}

// NotificationEvent is published on the event bus after each Send.
type NotificationEvent struct {
	GroupID  string    `json:"group_id"`
	Channel  string    `json:"channel,omitempty"`
	Fallback bool      `json:"fallback,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
