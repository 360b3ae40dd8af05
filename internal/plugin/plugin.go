package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"apexbot/internal/eventbus"
	"apexbot/internal/notifier"
	"apexbot/internal/runtime/supervisor"
	"apexbot/internal/task/scheduler"
	kit "apexbot/internal/transport"
	"apexbot/internal/transport/telegram/router"
	logx "apexbot/pkg/logx"
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []router.Command
}

// ConfigurablePlugin receives its config blob before Start and again
// whenever it changes on reload.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator is checked before a reloaded config is committed.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// Deps are the shared services handed to every plugin.
type Deps struct {
	Logger    logx.Logger
	Adapter   kit.Adapter
	Scheduler *scheduler.Service
	Notifier  *notifier.Service
	Bus       eventbus.Bus
}

// Base carries the plumbing most plugins need. Embed it and call InitBase,
// StartBase and StopBase from the plugin's own lifecycle methods.
type Base struct {
	Log    logx.Logger
	Deps   Deps
	Runner *supervisor.Supervisor

	name  string
	ctx   context.Context
	tasks []string
}

func (b *Base) InitBase(deps Deps, name string) {
	b.Deps = deps
	b.name = name
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.String("plugin", name))
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *Base) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = supervisor.New(ctx, supervisor.WithLogger(b.Log), supervisor.WithCancelOnError(false))
}

// StopBase removes the plugin's scheduled tasks, cancels its goroutines and
// waits for them, bounded by ctx.
func (b *Base) StopBase(ctx context.Context) error {
	if s := b.Deps.Scheduler; s != nil {
		for _, t := range b.tasks {
			s.Remove(t)
		}
	}
	b.tasks = nil
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context is cancelled when the plugin is stopped or disabled.
func (b *Base) Context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// Every registers a plugin-scoped interval task ("<plugin>:<name>").
// Registering the same name again replaces the schedule.
func (b *Base) Every(name string, every, timeout time.Duration, job scheduler.Job) error {
	s := b.Deps.Scheduler
	if s == nil {
		return errors.New("scheduler not available")
	}
	full := b.TaskName(name)
	if err := s.AddInterval(full, every, timeout, job); err != nil {
		return err
	}
	for _, t := range b.tasks {
		if t == full {
			return nil
		}
	}
	b.tasks = append(b.tasks, full)
	return nil
}

func (b *Base) TaskName(name string) string {
	if name == "" {
		return b.name
	}
	return b.name + ":" + name
}

// PublishEvent is a no-op without a bus.
func (b *Base) PublishEvent(typ string, data any) {
	if b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// Health reports whether the plugin is running.
func (b *Base) Health() (string, error) {
	if b.ctx == nil {
		return "not_started", nil
	}
	if err := b.ctx.Err(); err != nil {
		return "stopped", err
	}
	return "ok", nil
}

// DecodeConfig strictly decodes a plugin config blob into T. Unknown keys
// are rejected so typos surface on reload instead of silently defaulting.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode plugin config: %w", err)
	}
	return out, nil
}
