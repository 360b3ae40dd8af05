package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"apexbot/internal/eventbus"
	kit "apexbot/internal/transport"
	logx "apexbot/pkg/logx"
)

type fakeChannel struct {
	name        string
	primaryErr  error
	fallbackErr error

	mu    sync.Mutex
	calls []string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) SendPrimary(_ context.Context, groupID, _ string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "primary:"+groupID)
	f.mu.Unlock()
	return f.primaryErr
}

func (f *fakeChannel) SendFallback(_ context.Context, groupID, _ string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "fallback:"+groupID)
	f.mu.Unlock()
	return f.fallbackErr
}

func (f *fakeChannel) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestSendChannelOrderAndFallback(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		channels  []*fakeChannel
		wantErr   error
		wantCalls [][]string
	}{
		{
			name:      "primary succeeds",
			channels:  []*fakeChannel{{name: "a"}, {name: "b"}},
			wantCalls: [][]string{{"primary:g"}, nil},
		},
		{
			name:      "fallback succeeds",
			channels:  []*fakeChannel{{name: "a", primaryErr: boom}, {name: "b"}},
			wantCalls: [][]string{{"primary:g", "fallback:g"}, nil},
		},
		{
			name:      "second channel succeeds",
			channels:  []*fakeChannel{{name: "a", primaryErr: boom, fallbackErr: boom}, {name: "b"}},
			wantCalls: [][]string{{"primary:g", "fallback:g"}, {"primary:g"}},
		},
		{
			name: "all fail",
			channels: []*fakeChannel{
				{name: "a", primaryErr: boom, fallbackErr: boom},
				{name: "b", primaryErr: boom, fallbackErr: boom},
			},
			wantErr:   ErrAllChannelsFailed,
			wantCalls: [][]string{{"primary:g", "fallback:g"}, {"primary:g", "fallback:g"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chs := make([]Channel, len(tt.channels))
			for i, c := range tt.channels {
				chs[i] = c
			}
			s := New(Config{RatePerSec: 100}, logx.Nop(), nil, chs...)

			err := s.Send(context.Background(), "g", "hello")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Send: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Send err = %v, want %v", err, tt.wantErr)
			}
			for i, c := range tt.channels {
				got := c.Calls()
				if strings.Join(got, ",") != strings.Join(tt.wantCalls[i], ",") {
					t.Fatalf("channel %s calls = %v, want %v", c.name, got, tt.wantCalls[i])
				}
			}
		})
	}
}

func TestSendWithoutChannels(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Send(context.Background(), "g", "x"); !errors.Is(err, ErrNoChannels) {
		t.Fatalf("err = %v, want ErrNoChannels", err)
	}
}

func TestSendRecordsHistoryAndPublishes(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "notifier.sent", "notifier.failed")
	defer unsub()

	ok := &fakeChannel{name: "ok"}
	s := New(Config{RatePerSec: 100, HistorySize: 2}, logx.Nop(), bus, ok)
	for _, txt := range []string{"one", "two", "three"} {
		if err := s.Send(context.Background(), "-100", txt); err != nil {
			t.Fatal(err)
		}
	}
	h := s.History()
	if len(h) != 2 || h[0].Text != "two" || h[1].Text != "three" || h[1].Channel != "ok" {
		t.Fatalf("history = %+v", h)
	}
	if got := len(events); got != 3 {
		t.Fatalf("events = %d, want 3", got)
	}
	ev := (<-events).Data.(NotificationEvent)
	if ev.GroupID != "-100" || ev.Channel != "ok" || ev.Fallback {
		t.Fatalf("event = %+v", ev)
	}
}

type recordingAdapter struct {
	mu      sync.Mutex
	sent    []string
	modes   []string
	targets []kit.ChatTarget
	failFor string // parse mode that fails
}

func (a *recordingAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *recordingAdapter) Stop(context.Context) error                     { return nil }
func (a *recordingAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modes = append(a.modes, opt.ParseMode)
	if a.failFor != "" && opt.ParseMode == a.failFor {
		return kit.MessageRef{}, errors.New("can't parse entities")
	}
	a.sent = append(a.sent, text)
	a.targets = append(a.targets, to)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func TestTelegramChannelFallsBackToPlainText(t *testing.T) {
	ad := &recordingAdapter{failFor: "HTML"}
	s := New(Config{RatePerSec: 100}, logx.Nop(), nil, &TelegramChannel{Adapter: ad})

	if err := s.Send(context.Background(), "-100123:7", "<b>Rank</b> &amp; up"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if strings.Join(ad.modes, ",") != "HTML," {
		t.Fatalf("parse modes = %q", ad.modes)
	}
	if len(ad.sent) != 1 || ad.sent[0] != "Rank & up" {
		t.Fatalf("sent = %q", ad.sent)
	}
	if ad.targets[0] != (kit.ChatTarget{ChatID: -100123, ThreadID: 7}) {
		t.Fatalf("target = %+v", ad.targets[0])
	}
}

func TestTelegramChannelRejectsBadGroupID(t *testing.T) {
	ch := &TelegramChannel{Adapter: &recordingAdapter{}}
	if err := ch.SendPrimary(context.Background(), "not-a-chat", "x"); err == nil {
		t.Fatalf("bad group id accepted")
	}
}

func TestWebhookChannelPrimaryAndFallback(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		types  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		types = append(types, r.Header.Get("Content-Type"))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") && strings.Contains(string(b), "reject-json") {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	snapshot := func() ([]string, []string) {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), bodies...), append([]string(nil), types...)
	}

	ch := NewWebhookChannel("hook", srv.URL, "tok")
	s := New(Config{RatePerSec: 100}, logx.Nop(), nil, ch)

	if err := s.Send(context.Background(), "g1", "<b>hi</b>"); err != nil {
		t.Fatalf("Send json: %v", err)
	}
	got, _ := snapshot()
	var p webhookPayload
	if err := json.Unmarshal([]byte(got[0]), &p); err != nil || p.GroupID != "g1" || p.Text != "hi" {
		t.Fatalf("json payload = %s (%v)", got[0], err)
	}

	if err := s.Send(context.Background(), "g2", "reject-json"); err != nil {
		t.Fatalf("Send fallback: %v", err)
	}
	got, gotTypes := snapshot()
	if len(got) != 3 || got[2] != "[g2] reject-json" || !strings.HasPrefix(gotTypes[2], "text/plain") {
		t.Fatalf("fallback body = %q types = %q", got, gotTypes)
	}
}

func TestParseGroupID(t *testing.T) {
	tests := []struct {
		in      string
		want    kit.ChatTarget
		wantErr bool
	}{
		{in: "-1001234", want: kit.ChatTarget{ChatID: -1001234}},
		{in: "42:9", want: kit.ChatTarget{ChatID: 42, ThreadID: 9}},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "42:x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseGroupID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseGroupID(%q) err = %v", tt.in, err)
		}
		if err == nil {
			if got != tt.want {
				t.Fatalf("ParseGroupID(%q) = %+v", tt.in, got)
			}
			if back := FormatGroupID(got); back != tt.in {
				t.Fatalf("FormatGroupID = %q, want %q", back, tt.in)
			}
		}
	}
}

func TestSendLogRequiresLogGroup(t *testing.T) {
	ok := &fakeChannel{name: "ok"}
	s := New(Config{RatePerSec: 100}, logx.Nop(), nil, ok)
	if err := s.SendLog(context.Background(), "x"); !errors.Is(err, ErrNoLogGroup) {
		t.Fatalf("err = %v", err)
	}
	s.Apply(Config{RatePerSec: 100, LogGroupID: "-5"})
	if err := s.SendLog(context.Background(), "[WARN] <oops>"); err != nil {
		t.Fatal(err)
	}
	if calls := ok.Calls(); len(calls) != 1 || calls[0] != "primary:-5" {
		t.Fatalf("calls = %v", calls)
	}
}
