// Package apex tracks ranked scores of Apex Legends players for chat
// groups and announces accepted changes.
package apex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"apexbot/internal/apexapi"
	"apexbot/internal/plugin"
	"apexbot/internal/storage"
	"apexbot/internal/tracker"
	logx "apexbot/pkg/logx"
)

const taskReconcile = "reconcile"

type Plugin struct {
	plugin.Base

	mu    sync.RWMutex
	cfg   Config
	store storage.Store
	trk   *tracker.Tracker
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "apex" }

func (p *Plugin) Init(_ context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	return nil
}

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

// OnConfigChange runs before Start and on every reload. Thresholds and the
// check interval apply immediately; credentials, storage and the blacklist
// are read once at Start.
func (p *Plugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	next, err := parseConfig(raw)
	if err != nil {
		return err
	}

	p.mu.Lock()
	prev, trk := p.cfg, p.trk
	p.cfg = next
	p.mu.Unlock()

	if trk == nil {
		return nil
	}
	if prev.needsRestart(next) {
		p.Log.Warn("connection, storage or blacklist settings changed; disable and re-enable the plugin to apply")
	}
	trk.SetThresholds(next.Thresholds())
	if next.Interval() != prev.Interval() {
		if err := p.schedule(next, trk); err != nil {
			return err
		}
		p.Log.Info("check interval updated", logx.Duration("every", next.Interval()))
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)

	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()
	if cfg.MaxRetries == nil {
		// Start without a prior OnConfigChange: defaults only.
		var err error
		if cfg, err = parseConfig(nil); err != nil {
			return err
		}
	}

	opts := cfg.clientOptions()
	opts.Logger = p.Log
	client, err := apexapi.New(opts)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.storageConfig(), p.Log)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		p.Log.Warn("storage disabled; subscriptions are kept in memory only")
		store = nil
	case err != nil:
		return fmt.Errorf("open storage: %w", err)
	}

	reg := tracker.NewRegistry(store, p.Log)
	if err := reg.Load(ctx); err != nil {
		p.Log.Warn("subscriptions not loaded; starting empty", logx.Err(err))
	}

	var notif tracker.Notifier
	if p.Deps.Notifier != nil {
		notif = p.Deps.Notifier
	}
	blacklist := tracker.ParseBlacklist(cfg.Blacklist)
	trk := tracker.New(reg, client, notif, blacklist, cfg.Thresholds(),
		tracker.WithBus(p.Deps.Bus),
		tracker.WithLogger(p.Log),
	)

	if err := p.schedule(cfg, trk); err != nil {
		if store != nil {
			_ = store.Close()
		}
		return err
	}

	p.mu.Lock()
	p.store, p.trk = store, trk
	p.mu.Unlock()

	p.Log.Info("apex tracker started",
		logx.Int("players", reg.Count()),
		logx.Duration("every", cfg.Interval()),
		logx.String("storage", cfg.StorageDriver),
		logx.Int("blacklisted", len(blacklist)),
	)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	err := p.StopBase(ctx)

	p.mu.Lock()
	store, trk := p.store, p.trk
	p.store, p.trk = nil, nil
	p.mu.Unlock()

	if trk != nil {
		if ferr := trk.Registry().Flush(ctx); ferr != nil {
			p.Log.Warn("final flush failed", logx.Err(ferr))
		}
	}
	if store != nil {
		err = errors.Join(err, store.Close())
	}
	return err
}

// Tracker is nil while the plugin is stopped.
func (p *Plugin) Tracker() *tracker.Tracker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trk
}

func (p *Plugin) schedule(cfg Config, trk *tracker.Tracker) error {
	pctx := p.Context()
	// The pass may use the whole interval; the scheduler skips a tick
	// while the previous pass is still running.
	return p.Every(taskReconcile, cfg.Interval(), cfg.Interval(), func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(pctx, cancel)
		defer stop()

		res, err := trk.Reconcile(ctx)
		p.Log.Info("reconcile pass finished",
			logx.Int("players", res.Players),
			logx.Int("fetched", res.Fetched),
			logx.Int("failed", res.Failed),
			logx.Int("changed", res.Changed),
			logx.Int("rejected", res.Rejected),
			logx.Int("notified", res.Notified),
			logx.Duration("took", res.Duration),
		)
		return err
	})
}
