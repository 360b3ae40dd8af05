package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"apexbot/internal/eventbus"
	logx "apexbot/pkg/logx"
)

var (
	ErrNoChannels        = errors.New("no notification channels configured")
	ErrAllChannelsFailed = errors.New("all notification channels failed")
	ErrNoLogGroup        = errors.New("log group not configured")
)

const (
	defaultSendTimeout   = 15 * time.Second
	defaultHistorySize   = 50
	defaultRatePerSecond = 3
)

// Service is safe for concurrent use.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	channels []Channel

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, channels ...Channel) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus}
	s.Apply(cfg)
	s.SetChannels(channels...)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSecond
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// SetChannels replaces the channel list. Order is delivery preference.
func (s *Service) SetChannels(channels ...Channel) {
	out := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if c != nil {
			out = append(out, c)
		}
	}
	s.mu.Lock()
	s.channels = out
	s.mu.Unlock()
}

// Channels returns the names of the configured channels in order.
func (s *Service) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.channels))
	for i, c := range s.channels {
		names[i] = c.Name()
	}
	return names
}

// Send delivers text to groupID through the first channel that accepts it.
func (s *Service) Send(ctx context.Context, groupID, text string) error {
	s.mu.Lock()
	channels := s.channels
	limiter := s.limiter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	if len(channels) == 0 {
		notifySends.WithLabelValues("none", "failed").Inc()
		return ErrNoChannels
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	var errs []error
	for _, ch := range channels {
		fallback, err := s.sendVia(ctx, ch, timeout, groupID, text)
		if err == nil {
			outcome := "primary"
			if fallback {
				outcome = "fallback"
			}
			notifySends.WithLabelValues(ch.Name(), outcome).Inc()
			s.record(HistoryItem{At: time.Now(), GroupID: groupID, Channel: ch.Name(), Text: text})
			s.publish("notifier.sent", NotificationEvent{GroupID: groupID, Channel: ch.Name(), Fallback: fallback})
			return nil
		}
		notifySends.WithLabelValues(ch.Name(), "failed").Inc()
		s.log.Debug("notification channel failed",
			logx.String("channel", ch.Name()),
			logx.String("group_id", groupID),
			logx.Err(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}

	err := fmt.Errorf("%w: %w", ErrAllChannelsFailed, errors.Join(errs...))
	s.record(HistoryItem{At: time.Now(), GroupID: groupID, Text: text, Error: err.Error()})
	s.publish("notifier.failed", NotificationEvent{GroupID: groupID, Error: err.Error()})
	return err
}

func (s *Service) sendVia(ctx context.Context, ch Channel, timeout time.Duration, groupID, text string) (fallback bool, err error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	perr := ch.SendPrimary(pctx, groupID, text)
	cancel()
	if perr == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, perr
	}

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if ferr := ch.SendFallback(fctx, groupID, text); ferr != nil {
		return true, fmt.Errorf("primary: %w; fallback: %w", perr, ferr)
	}
	return true, nil
}

// SendLog implements logx.ChatSink by forwarding to the log group.
func (s *Service) SendLog(ctx context.Context, text string) error {
	s.mu.Lock()
	gid := s.cfg.LogGroupID
	s.mu.Unlock()
	if gid == "" {
		return ErrNoLogGroup
	}
	return s.Send(ctx, gid, EscapeHTML(text))
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) record(it HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, it)
	if over := len(s.history) - limit; over > 0 {
		s.history = append([]HistoryItem(nil), s.history[over:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	ev.At = time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
