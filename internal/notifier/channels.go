package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	kit "apexbot/internal/transport"
)

// ParseGroupID turns "chatID" or "chatID:threadID" into a chat target.
func ParseGroupID(groupID string) (kit.ChatTarget, error) {
	chat, thread, hasThread := strings.Cut(strings.TrimSpace(groupID), ":")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return kit.ChatTarget{}, fmt.Errorf("invalid group id %q", groupID)
	}
	t := kit.ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil {
			return kit.ChatTarget{}, fmt.Errorf("invalid thread in group id %q", groupID)
		}
		t.ThreadID = tid
	}
	return t, nil
}

// FormatGroupID is the inverse of ParseGroupID.
func FormatGroupID(t kit.ChatTarget) string {
	s := strconv.FormatInt(t.ChatID, 10)
	if t.ThreadID != 0 {
		s += ":" + strconv.Itoa(t.ThreadID)
	}
	return s
}

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// PlainText strips HTML tags and unescapes entities.
func PlainText(s string) string {
	return html.UnescapeString(htmlTag.ReplaceAllString(s, ""))
}

// EscapeHTML escapes the characters Telegram's HTML mode treats specially.
func EscapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

// ---- Telegram ----

// TelegramChannel sends through the bot adapter: HTML first, then the same
// text stripped to plain when Telegram rejects the markup.
type TelegramChannel struct {
	Adapter kit.Adapter
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) SendPrimary(ctx context.Context, groupID, text string) error {
	return c.send(ctx, groupID, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

func (c *TelegramChannel) SendFallback(ctx context.Context, groupID, text string) error {
	return c.send(ctx, groupID, PlainText(text), &kit.SendOptions{DisablePreview: true})
}

func (c *TelegramChannel) send(ctx context.Context, groupID, text string, opt *kit.SendOptions) error {
	if c.Adapter == nil {
		return errors.New("telegram adapter not running")
	}
	to, err := ParseGroupID(groupID)
	if err != nil {
		return err
	}
	_, err = c.Adapter.SendText(ctx, to, text, opt)
	return err
}

// ---- Webhook ----

// WebhookChannel posts to an HTTP endpoint: a JSON document first, then a
// text/plain body for endpoints that reject JSON.
type WebhookChannel struct {
	name   string
	url    string
	token  string
	client *fasthttp.Client
}

func NewWebhookChannel(name, url, token string) *WebhookChannel {
	if name == "" {
		name = "webhook"
	}
	return &WebhookChannel{
		name:  name,
		url:   url,
		token: token,
		client: &fasthttp.Client{
			Name:                "apexbot-notifier",
			MaxIdleConnDuration: time.Minute,
		},
	}
}

func (c *WebhookChannel) Name() string { return c.name }

type webhookPayload struct {
	GroupID string `json:"group_id"`
	Text    string `json:"text"`
}

func (c *WebhookChannel) SendPrimary(ctx context.Context, groupID, text string) error {
	body, err := json.Marshal(webhookPayload{GroupID: groupID, Text: PlainText(text)})
	if err != nil {
		return err
	}
	return c.post(ctx, "application/json", body)
}

func (c *WebhookChannel) SendFallback(ctx context.Context, groupID, text string) error {
	return c.post(ctx, "text/plain; charset=utf-8", []byte("["+groupID+"] "+PlainText(text)))
}

func (c *WebhookChannel) post(ctx context.Context, contentType string, body []byte) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultSendTimeout)
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return err
	}
	if sc := resp.StatusCode(); sc < 200 || sc > 299 {
		return fmt.Errorf("webhook %s: http %d", c.name, sc)
	}
	return nil
}
