package apex

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"apexbot/internal/apexapi"
	"apexbot/internal/notifier"
	"apexbot/internal/tracker"
	"apexbot/internal/transport/telegram/router"
	logx "apexbot/pkg/logx"
)

const (
	msgBlacklisted    = "该玩家在黑名单中"
	msgNotTracked     = "未找到该玩家的订阅"
	msgAlreadyTracked = "该玩家已在本群订阅列表中"
	msgInvalidScore   = "分数异常，无法订阅该玩家"
	msgFetchFailed    = "查询失败：网络或API密钥错误"
	msgEmptyList      = "本群暂无订阅玩家"
	msgNotReady       = "追踪服务未启动"
	msgFailed         = "操作失败，请稍后再试"
	msgTestSent       = "测试通知已发送"
	msgTestFailed     = "测试通知发送失败，请查看日志"
)

// Fetches may retry with backoff, so player lookups get more than the
// router's default budget.
const lookupTimeout = 90 * time.Second

func (p *Plugin) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "apex",
			Description: "查询玩家段位",
			Usage:       "/apex <玩家名>",
			Timeout:     lookupTimeout,
			Handle:      p.handleQuery,
		},
		{
			Route:       "apex add",
			Description: "订阅玩家段位变动",
			Usage:       "/apex add <玩家名>",
			GroupOnly:   true,
			Timeout:     lookupTimeout,
			Handle:      p.handleAdd,
		},
		{
			Route:       "apex remove",
			Aliases:     []string{"apex_rm"},
			Description: "取消订阅玩家",
			Usage:       "/apex remove <玩家名>",
			GroupOnly:   true,
			Handle:      p.handleRemove,
		},
		{
			Route:       "apex list",
			Description: "列出本群订阅",
			Usage:       "/apex list",
			GroupOnly:   true,
			Handle:      p.handleList,
		},
		{
			Route:       "apex test",
			Description: "发送测试通知",
			Usage:       "/apex test",
			GroupOnly:   true,
			Handle:      p.handleTest,
		},
	}
}

// playerArg joins the arguments so unquoted names with spaces still work.
func playerArg(req *router.Request) string {
	return strings.TrimSpace(strings.Join(req.Args, " "))
}

func (p *Plugin) handleQuery(ctx context.Context, req *router.Request) error {
	name := playerArg(req)
	if name == "" {
		return req.Reply(ctx, "用法：/apex <玩家名>")
	}
	trk := p.Tracker()
	if trk == nil {
		return req.Reply(ctx, msgNotReady)
	}
	obs, err := trk.Query(ctx, name)
	if err != nil {
		return p.replyError(ctx, req, err)
	}
	return req.ReplyHTML(ctx, formatObservation(obs))
}

func (p *Plugin) handleAdd(ctx context.Context, req *router.Request) error {
	name := playerArg(req)
	if name == "" {
		return req.Reply(ctx, "用法：/apex add <玩家名>")
	}
	trk := p.Tracker()
	if trk == nil {
		return req.Reply(ctx, msgNotReady)
	}
	res, err := trk.Add(ctx, notifier.FormatGroupID(req.Chat), name)
	if err != nil {
		return p.replyError(ctx, req, err)
	}
	if res.Confirmed {
		return nil
	}
	return req.ReplyHTML(ctx, tracker.FormatTracked(res.Snapshot))
}

func (p *Plugin) handleRemove(ctx context.Context, req *router.Request) error {
	name := playerArg(req)
	if name == "" {
		return req.Reply(ctx, "用法：/apex remove <玩家名>")
	}
	trk := p.Tracker()
	if trk == nil {
		return req.Reply(ctx, msgNotReady)
	}
	if err := trk.Remove(ctx, notifier.FormatGroupID(req.Chat), name); err != nil {
		return p.replyError(ctx, req, err)
	}
	return req.ReplyHTML(ctx, fmt.Sprintf("已取消订阅 <b>%s</b>", html.EscapeString(name)))
}

func (p *Plugin) handleList(ctx context.Context, req *router.Request) error {
	trk := p.Tracker()
	if trk == nil {
		return req.Reply(ctx, msgNotReady)
	}
	return req.ReplyHTML(ctx, formatList(trk.List(notifier.FormatGroupID(req.Chat))))
}

func (p *Plugin) handleTest(ctx context.Context, req *router.Request) error {
	n := p.Deps.Notifier
	if n == nil {
		return req.Reply(ctx, msgNotReady)
	}
	text := fmt.Sprintf("<b>测试通知</b>\n时间：%s", time.Now().Format("2006-01-02 15:04:05"))
	if err := n.Send(ctx, notifier.FormatGroupID(req.Chat), text); err != nil {
		req.Logger.Warn("test notification failed", logx.Err(err))
		return req.Reply(ctx, msgTestFailed)
	}
	return req.Reply(ctx, msgTestSent)
}

// replyError maps tracker and fetch errors to user-facing text. Only
// unexpected errors are returned to the router.
func (p *Plugin) replyError(ctx context.Context, req *router.Request, err error) error {
	var fe *apexapi.FetchError
	switch {
	case errors.Is(err, tracker.ErrBlacklisted):
		return req.Reply(ctx, msgBlacklisted)
	case errors.Is(err, tracker.ErrNotTracked):
		return req.Reply(ctx, msgNotTracked)
	case errors.Is(err, tracker.ErrAlreadyTracked):
		return req.Reply(ctx, msgAlreadyTracked)
	case errors.Is(err, tracker.ErrInvalidScore):
		return req.Reply(ctx, msgInvalidScore)
	case errors.Is(err, tracker.ErrEmptyName):
		return req.Reply(ctx, "请提供玩家名")
	case errors.As(err, &fe):
		req.Logger.Warn("player lookup failed", logx.String("kind", fe.Kind.String()), logx.Err(err))
		return req.Reply(ctx, msgFetchFailed)
	default:
		_ = req.Reply(ctx, msgFailed)
		return err
	}
}
