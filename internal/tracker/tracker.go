package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"apexbot/internal/apexapi"
	"apexbot/internal/eventbus"
	logx "apexbot/pkg/logx"
)

var (
	ErrEmptyName    = errors.New("player name required")
	ErrBlacklisted  = errors.New("player is blacklisted")
	ErrInvalidScore = errors.New("score below minimum valid value")
	ErrNotTracked   = errors.New("player not tracked in this group")
)

const (
	DefaultMinValidScore         = 1
	DefaultMaxScoreDropThreshold = 2000
)

// Fetcher is satisfied by *apexapi.Client.
type Fetcher interface {
	Fetch(ctx context.Context, player string) (apexapi.Observation, error)
}

// Notifier is satisfied by *notifier.Service.
type Notifier interface {
	Send(ctx context.Context, groupID, text string) error
}

type Thresholds struct {
	MinValidScore         int
	MaxScoreDropThreshold int
}

// Tracker runs subscription commands and reconciliation passes against a
// shared registry.
type Tracker struct {
	reg       *Registry
	fetcher   Fetcher
	notifier  Notifier
	blacklist Blacklist
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time

	mu         sync.RWMutex
	thresholds Thresholds
}

type Option func(*Tracker)

func WithBus(b eventbus.Bus) Option { return func(t *Tracker) { t.bus = b } }

func WithLogger(l logx.Logger) Option { return func(t *Tracker) { t.log = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func New(reg *Registry, f Fetcher, n Notifier, blacklist Blacklist, th Thresholds, opts ...Option) *Tracker {
	t := &Tracker{
		reg:       reg,
		fetcher:   f,
		notifier:  n,
		blacklist: blacklist,
		log:       logx.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.blacklist == nil {
		t.blacklist = Blacklist{}
	}
	t.SetThresholds(th)
	return t
}

func (t *Tracker) Registry() *Registry { return t.reg }

func (t *Tracker) Blacklist() Blacklist { return t.blacklist }

// SetThresholds swaps the classifier thresholds. Zero is a real setting
// (accept zero scores, reject every drop); negative values fall back to the
// defaults. The blacklist is fixed for the life of the Tracker.
func (t *Tracker) SetThresholds(th Thresholds) {
	if th.MinValidScore < 0 {
		th.MinValidScore = DefaultMinValidScore
	}
	if th.MaxScoreDropThreshold < 0 {
		th.MaxScoreDropThreshold = DefaultMaxScoreDropThreshold
	}
	t.mu.Lock()
	t.thresholds = th
	t.mu.Unlock()
}

func (t *Tracker) Thresholds() Thresholds {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.thresholds
}

// Query fetches a player's current stats without touching the registry.
func (t *Tracker) Query(ctx context.Context, name string) (apexapi.Observation, error) {
	if Key(name) == "" {
		return apexapi.Observation{}, ErrEmptyName
	}
	if t.blacklist.Contains(name) {
		return apexapi.Observation{}, ErrBlacklisted
	}
	return t.fetcher.Fetch(ctx, name)
}

// Add starts tracking name in groupID. The blacklist is checked before any
// network call; the duplicate check runs after the fetch so the stored
// snapshot is always fresh.
func (t *Tracker) Add(ctx context.Context, groupID, name string) (Added, error) {
	obs, err := t.Query(ctx, name)
	if err != nil {
		return Added{}, err
	}
	th := t.Thresholds()
	if obs.Score < th.MinValidScore {
		return Added{}, fmt.Errorf("%w: %d", ErrInvalidScore, obs.Score)
	}

	snap := snapshotOf(strings.TrimSpace(name), obs, t.now().UTC())
	if err := t.reg.Insert(ctx, groupID, snap); err != nil {
		return Added{}, err
	}
	t.log.Info("player tracked",
		logx.String("group_id", groupID),
		logx.String("player", snap.PlayerName),
		logx.Int("score", snap.RankScore),
	)

	res := Added{Snapshot: snap}
	if t.notifier != nil {
		if err := t.notifier.Send(ctx, groupID, FormatTracked(snap)); err != nil {
			t.log.Warn("track confirmation not delivered", logx.String("group_id", groupID), logx.Err(err))
		} else {
			res.Confirmed = true
		}
	}
	return res, nil
}

func (t *Tracker) Remove(ctx context.Context, groupID, name string) error {
	if Key(name) == "" {
		return ErrEmptyName
	}
	if !t.reg.Delete(ctx, groupID, name) {
		return ErrNotTracked
	}
	t.log.Info("player untracked", logx.String("group_id", groupID), logx.String("player", name))
	return nil
}

// List returns the group's tracked players in the order they were added.
func (t *Tracker) List(groupID string) []PlayerSnapshot {
	return t.reg.Players(groupID)
}

func snapshotOf(name string, obs apexapi.Observation, at time.Time) PlayerSnapshot {
	s := PlayerSnapshot{PlayerName: name, LastCheckedAt: at}
	return mergeObservation(s, obs, at)
}

func mergeObservation(s PlayerSnapshot, obs apexapi.Observation, at time.Time) PlayerSnapshot {
	s.RankScore = obs.Score
	s.RankName = obs.RankName
	s.RankDivision = obs.RankDivision
	s.GlobalRankPercentile = obs.Percentile
	s.SelectedCharacter = obs.Legend
	s.CharacterTier = obs.LegendTier
	s.LastCheckedAt = at
	return s
}
