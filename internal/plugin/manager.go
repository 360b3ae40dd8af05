package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"apexbot/internal/config"
	"apexbot/internal/eventbus"
	"apexbot/internal/transport/telegram/router"
	logx "apexbot/pkg/logx"
)

const callTimeout = 10 * time.Second

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
}

type Status struct {
	Name    string
	Enabled bool
	Running bool
	LastErr string
}

// Manager starts, stops and reconfigures plugins to match the config.
// Lifecycle calls are serialized; plugins never see two at once.
type Manager struct {
	log  logx.Logger
	deps Deps
	cmdm *router.CommandManager

	opMu sync.Mutex // serializes reconcile/stop

	mu       sync.Mutex
	reg      map[string]Plugin
	run      map[string]bool
	inited   map[string]bool
	cancel   map[string]context.CancelFunc
	lastHash map[string]uint64
	lastErr  map[string]string
	enabled  map[string]bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

func NewManager(log logx.Logger, deps Deps, cmdm *router.CommandManager) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		log:        log.With(logx.String("comp", "plugins")),
		deps:       deps,
		cmdm:       cmdm,
		reg:        map[string]Plugin{},
		run:        map[string]bool{},
		inited:     map[string]bool{},
		cancel:     map[string]context.CancelFunc{},
		lastHash:   map[string]uint64{},
		lastErr:    map[string]string{},
		enabled:    map[string]bool{},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

func (pm *Manager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		pm.reg[pl.Name()] = pl
	}
}

// StartAll brings plugins in line with cfg. Unlike a reload, a plugin that
// is enabled but fails to start is an error here: the process should not
// come up half-configured.
func (pm *Manager) StartAll(ctx context.Context, cfg *config.Config) error {
	return pm.reconcile(ctx, cfg)
}

// OnConfigUpdate applies a reloaded config. Failures are logged and the
// failing plugin stays stopped.
func (pm *Manager) OnConfigUpdate(ctx context.Context, cfg *config.Config) {
	if err := pm.reconcile(ctx, cfg); err != nil {
		pm.log.Error("plugin reconcile failed", logx.Err(err))
	}
}

// ValidateConfig runs each enabled plugin's validator against cfg without
// applying anything.
func (pm *Manager) ValidateConfig(ctx context.Context, cfg *config.Config) error {
	var errs []error
	for _, name := range pm.names() {
		raw, ok := cfg.Plugins[name]
		if !ok || !raw.Enabled {
			continue
		}
		pm.mu.Lock()
		p := pm.reg[name]
		pm.mu.Unlock()
		v, ok := p.(ConfigValidator)
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := v.ValidateConfig(cctx, raw.Config)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (pm *Manager) StopAll(ctx context.Context) {
	pm.opMu.Lock()
	defer pm.opMu.Unlock()
	for _, name := range pm.names() {
		pm.stopOne(ctx, name, "shutdown")
	}
	pm.baseCancel()
	pm.refreshCommands()
}

func (pm *Manager) Snapshot() []Status {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]Status, 0, len(pm.reg))
	for name := range pm.reg {
		out = append(out, Status{Name: name, Enabled: pm.enabled[name], Running: pm.run[name], LastErr: pm.lastErr[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (pm *Manager) names() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]string, 0, len(pm.reg))
	for n := range pm.reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (pm *Manager) reconcile(ctx context.Context, cfg *config.Config) error {
	pm.opMu.Lock()
	defer pm.opMu.Unlock()
	defer pm.refreshCommands()

	var errs []error
	for _, name := range pm.names() {
		raw, ok := cfg.Plugins[name]
		enabled := ok && raw.Enabled
		hash := config.CanonicalHashJSON(raw.Config)

		pm.mu.Lock()
		p := pm.reg[name]
		running := pm.run[name]
		oldHash := pm.lastHash[name]
		pm.enabled[name] = enabled
		pm.mu.Unlock()

		switch {
		case enabled && !running:
			if err := pm.startOne(name, p, raw); err != nil {
				pm.setErr(name, err)
				errs = append(errs, fmt.Errorf("plugin %s: %w", name, err))
				continue
			}
			pm.mu.Lock()
			pm.lastHash[name] = hash
			pm.mu.Unlock()

		case !enabled && running:
			sctx, cancel := context.WithTimeout(ctx, callTimeout)
			pm.stopOne(sctx, name, "disabled")
			cancel()

		case enabled && running && hash != oldHash:
			cp, ok := p.(ConfigurablePlugin)
			if !ok {
				break
			}
			cctx, cancel := context.WithTimeout(ctx, callTimeout)
			err := pm.safeCall("config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
			cancel()
			if err != nil {
				// Keep running on the previous config.
				pm.setErr(name, err)
				pm.emit("plugin.config_failed", pluginEvent{Plugin: name, Err: err.Error()})
				errs = append(errs, fmt.Errorf("plugin %s: config: %w", name, err))
				continue
			}
			pm.mu.Lock()
			pm.lastHash[name] = hash
			delete(pm.lastErr, name)
			pm.mu.Unlock()
			pm.log.Info("plugin config applied", logx.String("plugin", name))
			pm.emit("plugin.config_applied", pluginEvent{Plugin: name})
		}
	}
	return errors.Join(errs...)
}

func (pm *Manager) startOne(name string, p Plugin, raw config.PluginConfigRaw) error {
	start := time.Now()
	pctx, cancel := context.WithCancel(pm.baseCtx)

	pm.mu.Lock()
	needInit := !pm.inited[name]
	deps := pm.deps
	pm.mu.Unlock()

	if needInit {
		ictx, icancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("init."+name, func() error { return p.Init(ictx, deps) })
		icancel()
		if err != nil {
			cancel()
			pm.emit("plugin.failed", pluginEvent{Plugin: name, Stage: "init", Err: err.Error()})
			return fmt.Errorf("init: %w", err)
		}
		pm.mu.Lock()
		pm.inited[name] = true
		pm.mu.Unlock()
	}

	if cp, ok := p.(ConfigurablePlugin); ok {
		cctx, ccancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
		ccancel()
		if err != nil {
			cancel()
			pm.emit("plugin.failed", pluginEvent{Plugin: name, Stage: "config", Err: err.Error()})
			return fmt.Errorf("config: %w", err)
		}
	}

	if err := pm.safeCall("start."+name, func() error { return p.Start(pctx) }); err != nil {
		cancel()
		pm.emit("plugin.failed", pluginEvent{Plugin: name, Stage: "start", Err: err.Error()})
		return fmt.Errorf("start: %w", err)
	}

	pm.mu.Lock()
	pm.run[name] = true
	pm.cancel[name] = cancel
	delete(pm.lastErr, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.log.Info("plugin started", logx.String("plugin", name), logx.Duration("took", took))
	pm.emit("plugin.started", pluginEvent{Plugin: name, TookMS: took.Milliseconds()})
	return nil
}

func (pm *Manager) stopOne(ctx context.Context, name, reason string) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.cancel[name]
	pm.mu.Unlock()
	if !running {
		return
	}

	if cancel != nil {
		cancel()
	}
	// A plugin that ignores ctx must not block shutdown forever.
	done := make(chan struct{})
	go func() {
		_ = pm.safeCall("stop."+name, func() error { return p.Stop(ctx) })
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(ctx.Err()))
	}

	pm.mu.Lock()
	pm.run[name] = false
	delete(pm.cancel, name)
	delete(pm.lastHash, name)
	pm.mu.Unlock()

	pm.log.Info("plugin stopped", logx.String("plugin", name), logx.String("reason", reason))
	pm.emit("plugin.stopped", pluginEvent{Plugin: name, Stage: reason})
}

func (pm *Manager) refreshCommands() {
	if pm.cmdm == nil {
		return
	}
	var cmds []router.Command
	for _, name := range pm.names() {
		pm.mu.Lock()
		p, running := pm.reg[name], pm.run[name]
		pm.mu.Unlock()
		if !running {
			continue
		}
		var got []router.Command
		_ = pm.safeCall("commands."+name, func() error { got = p.Commands(); return nil })
		for _, c := range got {
			c.PluginName = name
			cmds = append(cmds, c)
		}
	}
	pm.cmdm.SetRegistry(cmds)
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call", logx.String("call", label), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (pm *Manager) setErr(name string, err error) {
	pm.mu.Lock()
	pm.lastErr[name] = err.Error()
	pm.mu.Unlock()
	pm.log.Error("plugin failed", logx.String("plugin", name), logx.Err(err))
}

func (pm *Manager) emit(typ string, ev pluginEvent) {
	if pm.deps.Bus == nil {
		return
	}
	pm.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
