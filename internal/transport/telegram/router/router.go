package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"apexbot/internal/runtime/supervisor"
	kit "apexbot/internal/transport"
	logx "apexbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

const (
	msgUnknown      = "未知命令，请发送 /help 查看帮助"
	msgUnauthorized = "没有权限执行该命令"
	msgBusy         = "系统繁忙，请稍后再试"
	msgGroupOnly    = "该命令只能在群组中使用"
)

type Command struct {
	// Route is a space-separated command path, e.g. "apex add".
	Route       string
	Aliases     []string // root-level shortcuts, e.g. "apex_add"
	Description string
	Usage       string
	Access      Access
	// GroupOnly commands need the group identity of the calling chat.
	GroupOnly bool

	PluginName string
	Timeout    time.Duration
	Handle     HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	IsGroup bool
	Path    []string // matched route tokens
	Command string
	Args    []string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends plain text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends Telegram HTML to the chat the request came from.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// CommandManager routes chat commands to handlers on a bounded worker pool.
type CommandManager struct {
	log     logx.Logger
	adapter kit.Adapter

	mu     sync.RWMutex
	root   *cmdNode
	alias  map[string]*cmdNode
	owners []int64

	menuMu sync.Mutex // serializes menu updates

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		owners:  append([]int64(nil), owners...),
		jobs:    make(chan func(), 256),
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

// SetRegistry replaces every route. /help is always added.
func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "显示帮助",
		Usage:       "/help [命令]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(req.Args))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		root.add(route, c)
		leaf := root
		for _, tok := range route {
			leaf, _ = leaf.child(tok)
		}
		// Multi-token routes get a menu-friendly alias ("apex add" -> "apex_add").
		// The bare single token is never aliased so subcommand traversal still works.
		if len(route) > 1 {
			if name := sanitizeTelegramCommand(strings.Join(route, "_")); name != "" {
				if _, taken := alias[name]; !taken {
					alias[name] = leaf
				}
			}
		}
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" {
				alias[a] = leaf
			}
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildTelegramMenuCommands(root, cmds)
		go func() {
			m.menuMu.Lock()
			defer m.menuMu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				m.log.Debug("menu update failed", logx.Err(err))
			}
		}()
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log), supervisor.WithCancelOnError(false))
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) route(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if leaf, ok := alias[word]; ok && leaf.cmd != nil {
		m.enqueue(ctx, up, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}

	cur, ok := root.child(word)
	if !ok {
		_, _ = m.adapter.SendText(ctx, chat, msgUnknown, nil)
		return
	}
	path := []string{word}
	for len(args) > 0 {
		next, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = next
		path = append(path, strings.ToLower(args[0]))
		args = args[1:]
	}
	if cur.cmd == nil {
		_, _ = m.adapter.SendText(ctx, chat, m.helpText(path), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		return
	}
	m.enqueue(ctx, up, *cur.cmd, path, args)
}

func (m *CommandManager) enqueue(ctx context.Context, up kit.Update, cmd Command, path, args []string) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	owner := isOwner(msg.FromID, m.owners)
	m.mu.RUnlock()
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = m.adapter.SendText(ctx, chat, msgUnauthorized, nil)
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		IsGroup: msg.IsGroup,
		Path:    path,
		Command: cmd.Route,
		Args:    args,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}

	mws := []Middleware{MWPanicRecover(), MWRequestLog(), MWTimeout(cmd.Timeout)}
	if cmd.GroupOnly {
		mws = append(mws, MWGroupOnly(msgGroupOnly))
	}
	final := Chain(cmd.Handle, mws...)

	select {
	case m.jobs <- func() { _ = final(ctx, req) }:
	default:
		commandRequests.WithLabelValues(cmd.Route, "busy").Inc()
		_, _ = m.adapter.SendText(ctx, chat, msgBusy, nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
