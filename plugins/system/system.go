// Package system provides operator commands: liveness, runtime info and
// scheduled task control.
package system

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"apexbot/internal/plugin"
	"apexbot/internal/task/scheduler"
	"apexbot/internal/transport/telegram/router"
)

type Plugin struct {
	plugin.Base
	startedAt time.Time
	now       func() time.Time
}

func New() *Plugin { return &Plugin{now: time.Now} }

func (p *Plugin) Name() string { return "system" }

func (p *Plugin) Init(_ context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	if p.startedAt.IsZero() {
		p.startedAt = p.now()
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }

func (p *Plugin) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "ping",
			Description: "存活检查",
			Usage:       "/ping",
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, "pong")
			},
		},
		{
			Route:       "uptime",
			Description: "运行时长",
			Usage:       "/uptime",
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, "已运行 "+durRel(p.now().Sub(p.startedAt)))
			},
		},
		{
			Route:       "sysinfo",
			Description: "运行时信息（仅管理员）",
			Usage:       "/sysinfo",
			Access:      router.AccessOwnerOnly,
			Handle:      p.cmdSysinfo,
		},
		{
			Route:       "tasks",
			Description: "定时任务列表（仅管理员）",
			Usage:       "/tasks",
			Access:      router.AccessOwnerOnly,
			Handle:      p.cmdTasks,
		},
		{
			Route:       "tasks run",
			Description: "立即执行定时任务（仅管理员）",
			Usage:       "/tasks run <任务名>",
			Access:      router.AccessOwnerOnly,
			Handle:      p.cmdTaskRun,
		},
	}
}

func (p *Plugin) cmdSysinfo(ctx context.Context, req *router.Request) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mod := "-"
	if bi, ok := debug.ReadBuildInfo(); ok {
		mod = bi.Main.Path + " " + bi.Main.Version
	}
	msg := strings.Join([]string{
		"go: " + runtime.Version(),
		"module: " + mod,
		fmt.Sprintf("goroutines: %d", runtime.NumGoroutine()),
		"mem_alloc: " + humanize.IBytes(m.Alloc),
		"mem_sys: " + humanize.IBytes(m.Sys),
		"uptime: " + durRel(p.now().Sub(p.startedAt)),
	}, "\n")
	return req.Reply(ctx, msg)
}

func (p *Plugin) cmdTasks(ctx context.Context, req *router.Request) error {
	s := p.Deps.Scheduler
	if s == nil {
		return req.Reply(ctx, "调度器未启用")
	}
	return req.Reply(ctx, formatTasks(s.Snapshot(), p.now()))
}

func (p *Plugin) cmdTaskRun(ctx context.Context, req *router.Request) error {
	s := p.Deps.Scheduler
	if s == nil {
		return req.Reply(ctx, "调度器未启用")
	}
	if len(req.Args) == 0 {
		return req.Reply(ctx, "用法：/tasks run <任务名>")
	}
	name := req.Args[0]
	if !s.Trigger(name) {
		return req.Reply(ctx, "未找到任务："+name)
	}
	return req.Reply(ctx, "已触发任务："+name)
}

func formatTasks(tasks []scheduler.ScheduleInfo, now time.Time) string {
	if len(tasks) == 0 {
		return "暂无定时任务"
	}
	lines := make([]string, 0, len(tasks)+1)
	lines = append(lines, fmt.Sprintf("定时任务（%d）：", len(tasks)))
	for _, t := range tasks {
		next := "-"
		if !t.Next.IsZero() && t.Next.After(now) {
			next = "in " + durRel(t.Next.Sub(now))
		}
		line := fmt.Sprintf("- %s [%s] next=%s runs=%d skips=%d failures=%d", t.Name, t.Spec, next, t.Runs, t.Skips, t.Failures)
		if t.Running {
			line += " (running)"
		}
		if t.LastError != "" {
			line += "\n  last error: " + t.LastError
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
