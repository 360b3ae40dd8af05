package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"apexbot/internal/config"
	"apexbot/internal/notifier"
	"apexbot/internal/observability/ops"
	"apexbot/internal/task/scheduler"
	logx "apexbot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled && cfg.Telegram.LogChatID != 0,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Timezone:       cfg.Scheduler.Timezone,
		DefaultTimeout: timeout,
	}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	timeout, err := config.ParseDurationField("notifier.send_timeout", cfg.Notifier.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	if cfg.Notifier.RatePerSec < 0 {
		return notifier.Config{}, errors.New("notifier.rate_per_sec must be >= 0")
	}
	for i, w := range cfg.Notifier.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return notifier.Config{}, fmt.Errorf("notifier.webhooks[%d].url: want http(s) URL", i)
		}
	}
	nc := notifier.Config{RatePerSec: cfg.Notifier.RatePerSec, SendTimeout: timeout}
	if cfg.Telegram.LogChatID != 0 {
		nc.LogGroupID = notifier.FormatGroupID(chatTarget(cfg.Telegram.LogChatID))
	}
	return nc, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	read, err := config.ParseDurationOrDefault("ops.read_timeout", cfg.Ops.ReadTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", cfg.Ops.IdleTimeout, 2*time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}

// validate checks everything a reload could break before it is committed.
func (a *App) validate(ctx context.Context, cfg *config.Config) error {
	var errs []error
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapScheduler(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifier(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapOps(cfg); err != nil {
		errs = append(errs, err)
	}
	if a.pm != nil {
		if err := a.pm.ValidateConfig(ctx, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func webhookChannels(cfg *config.Config) []notifier.Channel {
	out := make([]notifier.Channel, 0, len(cfg.Notifier.Webhooks))
	for _, w := range cfg.Notifier.Webhooks {
		out = append(out, notifier.NewWebhookChannel(w.Name, w.URL, w.Token))
	}
	return out
}
