package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"apexbot/internal/storage"
	logx "apexbot/pkg/logx"
)

// StorageKey is the store key holding the whole registry document.
const StorageKey = "apex.subscriptions"

const documentVersion = 1

var ErrAlreadyTracked = errors.New("player already tracked in this group")

type document struct {
	Version int                 `json:"version"`
	Groups  []GroupSubscription `json:"groups"`
}

// Registry maps chat groups to tracked players. Every mutation is followed
// by a write of the full document; a nil store keeps the registry in memory.
type Registry struct {
	store storage.Store
	log   logx.Logger

	mu     sync.Mutex
	groups []*GroupSubscription

	// persistMu spans encode+write so the last write carries every
	// mutation that completed before it started.
	persistMu sync.Mutex
}

func NewRegistry(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log}
}

// Load replaces the in-memory state with the stored document. A missing
// document leaves the registry empty; a corrupt one does too, and the
// error is returned for logging only.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	r.groups = nil
	r.mu.Unlock()
	if r.store == nil {
		return nil
	}

	b, ok, err := r.store.Get(ctx, StorageKey)
	if err != nil {
		return fmt.Errorf("read %s: %w", StorageKey, err)
	}
	if !ok || len(b) == 0 {
		return nil
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", StorageKey, err)
	}

	groups := make([]*GroupSubscription, 0, len(doc.Groups))
	seenGroup := map[string]bool{}
	for _, g := range doc.Groups {
		if g.GroupID == "" || seenGroup[g.GroupID] {
			continue
		}
		seen := map[string]bool{}
		players := make([]PlayerSnapshot, 0, len(g.Players))
		for _, p := range g.Players {
			k := Key(p.PlayerName)
			if k == "" || seen[k] {
				continue
			}
			if p.RankScore < 0 {
				p.RankScore = 0
			}
			seen[k] = true
			players = append(players, p)
		}
		if len(players) == 0 {
			continue
		}
		seenGroup[g.GroupID] = true
		groups = append(groups, &GroupSubscription{GroupID: g.GroupID, Players: players})
	}

	r.mu.Lock()
	r.groups = groups
	n := r.countLocked()
	r.mu.Unlock()
	trackedPlayers.Set(float64(n))
	r.log.Info("subscriptions loaded", logx.Int("groups", len(groups)), logx.Int("players", n))
	return nil
}

// Groups returns a deep copy of every group in insertion order.
func (r *Registry) Groups() []GroupSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]GroupSubscription, len(r.groups))
	for i, g := range r.groups {
		out[i] = GroupSubscription{GroupID: g.GroupID, Players: append([]PlayerSnapshot(nil), g.Players...)}
	}
	return out
}

// Players returns the group's players in insertion order; nil for an
// unknown group.
func (r *Registry) Players(groupID string) []PlayerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g := r.groupLocked(groupID); g != nil {
		return append([]PlayerSnapshot(nil), g.Players...)
	}
	return nil
}

func (r *Registry) Get(groupID, name string) (PlayerSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g := r.groupLocked(groupID); g != nil {
		if i := indexOf(g.Players, Key(name)); i >= 0 {
			return g.Players[i], true
		}
	}
	return PlayerSnapshot{}, false
}

// Count returns the number of tracked (group, player) pairs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked()
}

// Insert appends snap to the group, creating the group if needed.
func (r *Registry) Insert(ctx context.Context, groupID string, snap PlayerSnapshot) error {
	if Key(snap.PlayerName) == "" {
		return ErrEmptyName
	}
	r.mu.Lock()
	g := r.groupLocked(groupID)
	if g != nil && indexOf(g.Players, Key(snap.PlayerName)) >= 0 {
		r.mu.Unlock()
		return ErrAlreadyTracked
	}
	if g == nil {
		g = &GroupSubscription{GroupID: groupID}
		r.groups = append(r.groups, g)
	}
	g.Players = append(g.Players, snap)
	r.mu.Unlock()

	r.persist(ctx)
	return nil
}

// Delete removes a player and drops the group once it is empty.
func (r *Registry) Delete(ctx context.Context, groupID, name string) bool {
	r.mu.Lock()
	g := r.groupLocked(groupID)
	i := -1
	if g != nil {
		i = indexOf(g.Players, Key(name))
	}
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	g.Players = append(g.Players[:i], g.Players[i+1:]...)
	if len(g.Players) == 0 {
		r.dropGroupLocked(groupID)
	}
	r.mu.Unlock()

	r.persist(ctx)
	return true
}

// Apply classifies obsScore against the currently stored score of the
// player and, when the verdict is Changed, stores update(before). The read,
// decision and write happen under one lock so a concurrent command cannot
// slip in between. ok is false when the player is no longer tracked.
func (r *Registry) Apply(ctx context.Context, groupID, name string, obsScore, minValid, maxDrop int, update func(before PlayerSnapshot) PlayerSnapshot) (v Verdict, before, after PlayerSnapshot, ok bool) {
	r.mu.Lock()
	g := r.groupLocked(groupID)
	i := -1
	if g != nil {
		i = indexOf(g.Players, Key(name))
	}
	if i < 0 {
		r.mu.Unlock()
		return 0, PlayerSnapshot{}, PlayerSnapshot{}, false
	}
	before = g.Players[i]
	v = Classify(before.RankScore, obsScore, minValid, maxDrop)
	if v != Changed {
		r.mu.Unlock()
		return v, before, before, true
	}
	after = update(before)
	if after.LastCheckedAt.Before(before.LastCheckedAt) {
		after.LastCheckedAt = before.LastCheckedAt
	}
	g.Players[i] = after
	r.mu.Unlock()

	r.persist(ctx)
	return v, before, after, true
}

// Flush writes the current document. Mutations already flush; this is for
// shutdown and tests.
func (r *Registry) Flush(ctx context.Context) error { return r.persist(ctx) }

func (r *Registry) persist(ctx context.Context) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	doc := document{Version: documentVersion, Groups: make([]GroupSubscription, len(r.groups))}
	for i, g := range r.groups {
		doc.Groups[i] = GroupSubscription{GroupID: g.GroupID, Players: append([]PlayerSnapshot(nil), g.Players...)}
	}
	n := r.countLocked()
	r.mu.Unlock()
	trackedPlayers.Set(float64(n))

	if r.store == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err == nil {
		// Persisting must not be abandoned halfway because a command's
		// request context ended.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		err = r.store.Put(wctx, StorageKey, b)
		cancel()
	}
	if err != nil {
		persistFailures.Inc()
		r.log.Warn("persist subscriptions failed", logx.Err(err))
		return err
	}
	return nil
}

func (r *Registry) groupLocked(id string) *GroupSubscription {
	for _, g := range r.groups {
		if g.GroupID == id {
			return g
		}
	}
	return nil
}

func (r *Registry) dropGroupLocked(id string) {
	for i, g := range r.groups {
		if g.GroupID == id {
			r.groups = append(r.groups[:i], r.groups[i+1:]...)
			return
		}
	}
}

func (r *Registry) countLocked() int {
	n := 0
	for _, g := range r.groups {
		n += len(g.Players)
	}
	return n
}

func indexOf(players []PlayerSnapshot, key string) int {
	for i, p := range players {
		if Key(p.PlayerName) == key {
			return i
		}
	}
	return -1
}
