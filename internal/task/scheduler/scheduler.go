package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"apexbot/internal/eventbus"
	logx "apexbot/pkg/logx"
)

const defaultJobTimeout = 5 * time.Minute

type Config struct {
	Enabled        bool
	Timezone       string // IANA name, e.g. "Asia/Shanghai"; empty means local
	DefaultTimeout time.Duration
}

type Job func(ctx context.Context) error

// RunEvent is published on the bus as "task.finished" after every run.
type RunEvent struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type ScheduleInfo struct {
	Name      string
	Spec      string
	Timeout   time.Duration
	Next      time.Time
	Prev      time.Time
	Running   bool
	Runs      uint64
	Skips     uint64
	Failures  uint64
	LastError string
}

type entry struct {
	name     string
	spec     string
	schedule cron.Schedule
	timeout  time.Duration
	job      Job
	id       cron.EntryID

	running  atomic.Bool
	runs     atomic.Uint64
	skips    atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	lastErr string
}

type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]*entry
	wg      sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultJobTimeout
	}
	return &Service{
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		cfg:     cfg,
		loc:     time.Local,
		entries: map[string]*entry{},
	}
}

// AddInterval registers job to run every interval, replacing any job with
// the same name.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("scheduler: interval for %q must be > 0", name)
	}
	spec := ParsedSpec{Kind: SpecInterval, Every: every}
	return s.add(name, spec.CronSpec(), cron.Every(every), timeout, job)
}

// AddSchedule registers job under any form ParseSchedule accepts.
func (s *Service) AddSchedule(name, raw string, timeout time.Duration, job Job) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(name, ps.Every, timeout, job)
	}
	sched, err := s.parser.Parse(ps.Cron)
	if err != nil {
		return fmt.Errorf("scheduler: parse %q: %w", ps.Cron, err)
	}
	return s.add(name, ps.Cron, sched, timeout, job)
}

func (s *Service) add(name, spec string, sched cron.Schedule, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: job name required")
	}
	if job == nil {
		return fmt.Errorf("scheduler: job %q is nil", name)
	}
	e := &entry{name: name, spec: spec, schedule: sched, timeout: timeout, job: job}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok && s.c != nil {
		s.c.Remove(old.id)
	}
	s.entries[name] = e
	if s.c != nil {
		e.id = s.c.Schedule(sched, s.cronJob(e))
	}
	s.log.Debug("schedule registered", logx.String("task", name), logx.String("spec", spec))
	return nil
}

// Remove unregisters a job. A run already in flight finishes.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(e.id)
	}
	delete(s.entries, name)
	return true
}

// Start begins firing registered jobs. Jobs see a context derived from ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	s.loc = loc
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.entries)))
	return nil
}

func (s *Service) startCronLocked() {
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl)),
		cron.WithLogger(cl),
	)
	for _, e := range s.entries {
		e.id = s.c.Schedule(e.schedule, s.cronJob(e))
	}
	s.c.Start()
}

// Stop cancels running jobs and waits for them, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	cancel()
	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply updates timeouts immediately and restarts the cron loop when the
// timezone or enabled flag changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultJobTimeout
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		return s.Stop(ctx)
	case !running && cfg.Enabled:
		return s.Start(ctx)
	case running && old.Timezone != cfg.Timezone:
		loc, err := loadLocation(cfg.Timezone)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.c != nil {
			s.c.Stop()
			s.loc = loc
			s.startCronLocked()
			s.log.Info("scheduler restarted", logx.String("tz", loc.String()))
		}
	}
	return nil
}

// Trigger runs a registered job now, outside its schedule. It obeys the
// same skip-if-running rule and returns false for unknown names.
func (s *Service) Trigger(name string) bool {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	go s.run(e)
	return true
}

func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := ScheduleInfo{
			Name:     e.name,
			Spec:     e.spec,
			Timeout:  s.timeoutFor(e),
			Running:  e.running.Load(),
			Runs:     e.runs.Load(),
			Skips:    e.skips.Load(),
			Failures: e.failures.Load(),
		}
		e.mu.Lock()
		info.LastError = e.lastErr
		e.mu.Unlock()
		if s.c != nil {
			ce := s.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) timeoutFor(e *entry) time.Duration {
	if e.timeout > 0 {
		return e.timeout
	}
	return s.cfg.DefaultTimeout
}

func (s *Service) cronJob(e *entry) cron.Job {
	return cron.FuncJob(func() { s.run(e) })
}

func (s *Service) run(e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		e.skips.Add(1)
		taskRuns.WithLabelValues(e.name, "skipped").Inc()
		s.log.Debug("task still running, skipped", logx.String("task", e.name))
		return
	}
	defer e.running.Store(false)

	s.mu.Lock()
	parent := s.ctx
	timeout := s.timeoutFor(e)
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	if parent.Err() != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	started := time.Now()
	err := e.job(ctx)
	dur := time.Since(started)
	e.runs.Add(1)
	taskDuration.WithLabelValues(e.name).Observe(dur.Seconds())

	ev := RunEvent{Name: e.name, Started: started, Duration: dur}
	if err != nil {
		e.failures.Add(1)
		ev.Error = err.Error()
		taskRuns.WithLabelValues(e.name, "failed").Inc()
		s.log.Warn("task failed", logx.String("task", e.name), logx.Duration("took", dur), logx.Err(err))
	} else {
		taskRuns.WithLabelValues(e.name, "ok").Inc()
		s.log.Debug("task done", logx.String("task", e.name), logx.Duration("took", dur))
	}
	e.mu.Lock()
	e.lastErr = ev.Error
	e.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "task.finished", Time: time.Now(), Data: ev})
	}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler: timezone %q: %w", tz, err)
	}
	return loc, nil
}

// cronLogger adapts logx to cron.Logger. Cron's info chatter goes to debug.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	if l.log.Enabled(logx.LevelDebug) {
		l.log.Debug("cron: "+msg, kvFields(kv)...)
	}
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
