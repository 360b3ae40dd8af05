// Package app wires the bot process: config, logging, the Telegram
// transport, scheduler, notifier, plugins and the ops server.
package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"apexbot/internal/config"
	"apexbot/internal/eventbus"
	"apexbot/internal/notifier"
	"apexbot/internal/observability/ops"
	"apexbot/internal/plugin"
	"apexbot/internal/runtime/supervisor"
	"apexbot/internal/task/scheduler"
	kit "apexbot/internal/transport"
	telegram "apexbot/internal/transport/telegram/adapter"
	"apexbot/internal/transport/telegram/router"
	logx "apexbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter kit.Adapter
	sched   *scheduler.Service
	notif   *notifier.Service
	ops     *ops.Service
	cmdm    *router.CommandManager
	pm      *plugin.Manager

	updates chan kit.Update
}

func chatTarget(id int64) kit.ChatTarget { return kit.ChatTarget{ChatID: id} }

// New loads the config at cfgPath and builds every service. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg), nil)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), bus)

	notifCfg, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	channels := append([]notifier.Channel{&notifier.TelegramChannel{Adapter: ad}}, webhookChannels(cfg)...)
	notif := notifier.New(notifCfg, log.With(logx.String("comp", "notifier")), bus, channels...)
	// Chat logging goes out through the notifier, so it is wired last.
	logSvc.SetChatSink(notif)

	opsCfg, err := mapOps(cfg)
	if err != nil {
		return nil, err
	}

	cmdm := router.NewCommandManager(log, ad, cfg.Telegram.OwnerUserIDs)
	pm := plugin.NewManager(log, plugin.Deps{
		Logger:    log,
		Adapter:   ad,
		Scheduler: sched,
		Notifier:  notif,
		Bus:       bus,
	}, cmdm)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		adapter: ad,
		sched:   sched,
		notif:   notif,
		cmdm:    cmdm,
		pm:      pm,
		updates: make(chan kit.Update, 256),
	}
	a.ops = ops.New(opsCfg, log, a.status)
	return a, nil
}

func (a *App) Plugins() *plugin.Manager { return a.pm }

// Done is closed once the app context is cancelled by a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()
	if err := a.validate(ctx, cfg); err != nil {
		return err
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	opsCfg, _ := mapOps(cfg)
	a.ops.Reconfigure(a.sup.Context(), opsCfg)

	if err := a.pm.StartAll(a.sup.Context(), cfg); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.watch", func(c context.Context) {
		if err := a.cfgm.Watch(c); err != nil {
			a.log.Warn("config watch ended", logx.Err(err))
		}
	})
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go0("systemd.watchdog", a.watchdog)

	notifyReady(a.log)
	a.log.Info("apexbot started", logx.Int("plugins", len(a.pm.Snapshot())))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	notifyStopping(a.log)
	a.log.Info("stopping")

	a.pm.StopAll(ctx)
	var errs []error
	if err := a.sched.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.ops.Stop(ctx)
	if err := a.adapter.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.sup != nil {
		a.sup.Cancel()
		if err := a.sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// reloadLoop applies configs published by the watcher. Bursts collapse to
// the newest config.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, _ := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload without effective changes")
		return
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	a.logs.Apply(mapLogging(next))
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)

	if sc, err := mapScheduler(next); err == nil {
		if err := a.sched.Apply(ctx, sc); err != nil {
			a.log.Error("scheduler reconfigure failed", logx.Err(err))
		}
	}
	if nc, err := mapNotifier(next); err == nil {
		a.notif.Apply(nc)
		a.notif.SetChannels(append([]notifier.Channel{&notifier.TelegramChannel{Adapter: a.adapter}}, webhookChannels(next)...)...)
	}
	if oc, err := mapOps(next); err == nil {
		a.ops.Reconfigure(ctx, oc)
	}
	a.pm.OnConfigUpdate(ctx, next)
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

type statusDoc struct {
	Plugins  []plugin.Status          `json:"plugins"`
	Tasks    []scheduler.ScheduleInfo `json:"tasks"`
	Channels []string                 `json:"channels"`
	Recent   []notifier.HistoryItem   `json:"recent_notifications"`
}

func (a *App) status() any {
	return statusDoc{
		Plugins:  a.pm.Snapshot(),
		Tasks:    a.sched.Snapshot(),
		Channels: a.notif.Channels(),
		Recent:   a.notif.History(),
	}
}
