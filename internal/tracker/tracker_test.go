package tracker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"apexbot/internal/apexapi"
	"apexbot/internal/eventbus"
	"apexbot/internal/storage"
	logx "apexbot/pkg/logx"
)

type fakeFetcher struct {
	mu     sync.Mutex
	scores map[string]int
	online bool
	state  string
	errs   map[string]error
	calls  []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{scores: map[string]int{}, errs: map[string]error{}}
}

func (f *fakeFetcher) set(name string, score int) {
	f.mu.Lock()
	f.scores[Key(name)] = score
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(_ context.Context, player string) (apexapi.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, player)
	if err := f.errs[Key(player)]; err != nil {
		return apexapi.Observation{}, err
	}
	return apexapi.Observation{
		PlayerName:     player,
		Score:          f.scores[Key(player)],
		RankName:       "钻石",
		RankDivision:   2,
		Percentile:     "1.5",
		IsOnline:       f.online,
		Legend:         "恶灵",
		LegendTier:     "S",
		State:          f.state,
		InLobbyOrMatch: strings.Contains(f.state, "比赛"),
	}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type sent struct{ group, text string }

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, groupID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, sent{groupID, text})
	return n.err
}

func (n *fakeNotifier) Sent() []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sent(nil), n.msgs...)
}

type fixture struct {
	tr    *Tracker
	reg   *Registry
	store storage.Store
	fetch *fakeFetcher
	note  *fakeNotifier
	now   time.Time
}

func newFixture(t *testing.T, blacklist string) *fixture {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, fetch: newFakeFetcher(), note: &fakeNotifier{}}
	f.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.reg = NewRegistry(store, logx.Nop())
	f.tr = New(f.reg, f.fetch, f.note, ParseBlacklist(blacklist),
		Thresholds{MinValidScore: 1, MaxScoreDropThreshold: 2000},
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *fixture) add(t *testing.T, group, name string, score int) {
	t.Helper()
	f.fetch.set(name, score)
	if _, err := f.tr.Add(context.Background(), group, name); err != nil {
		t.Fatalf("Add(%s, %s): %v", group, name, err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		old, new      int
		minValid, max int
		want          Verdict
	}{
		{name: "zero is invalid", old: 10000, new: 0, minValid: 1, max: 2000, want: Invalid},
		{name: "invalid wins over drop", old: 10000, new: 5, minValid: 10, max: 2000, want: Invalid},
		{name: "anomalous drop", old: 10000, new: 7000, minValid: 1, max: 2000, want: AnomalousDrop},
		{name: "drop at threshold accepted", old: 10000, new: 8000, minValid: 1, max: 2000, want: Changed},
		{name: "accepted drop", old: 10000, new: 8500, minValid: 1, max: 2000, want: Changed},
		{name: "large gain accepted", old: 1000, new: 9000, minValid: 1, max: 2000, want: Changed},
		{name: "unchanged", old: 4200, new: 4200, minValid: 1, max: 2000, want: Unchanged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.old, tt.new, tt.minValid, tt.max); got != tt.want {
				t.Fatalf("Classify(%d, %d) = %v, want %v", tt.old, tt.new, got, tt.want)
			}
		})
	}
}

func TestReconcileRejectsInvalidAndAnomalous(t *testing.T) {
	for _, score := range []int{0, 7000} {
		f := newFixture(t, "")
		f.add(t, "-100", "moeneri", 10000)
		before := len(f.note.Sent())

		f.fetch.set("moeneri", score)
		res, err := f.tr.Reconcile(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.Rejected != 1 || res.Changed != 0 {
			t.Fatalf("score %d: result = %+v", score, res)
		}
		if got, _ := f.reg.Get("-100", "moeneri"); got.RankScore != 10000 {
			t.Fatalf("score %d: stored = %d, want 10000", score, got.RankScore)
		}
		if n := len(f.note.Sent()); n != before {
			t.Fatalf("score %d: notifications sent", score)
		}
	}
}

func TestReconcileAcceptedDropNotifies(t *testing.T) {
	f := newFixture(t, "")
	bus := eventbus.New()
	changes, unsub := bus.Subscribe(4, "tracker.rank_changed")
	defer unsub()
	f.tr.bus = bus

	f.add(t, "-100", "moeneri", 10000)
	f.now = f.now.Add(2 * time.Minute)
	f.fetch.set("moeneri", 8500)

	res, err := f.tr.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed != 1 || res.Notified != 1 {
		t.Fatalf("result = %+v", res)
	}
	got, _ := f.reg.Get("-100", "MoeNeri")
	if got.RankScore != 8500 || !got.LastCheckedAt.Equal(f.now) {
		t.Fatalf("stored = %+v", got)
	}

	msgs := f.note.Sent()
	last := msgs[len(msgs)-1]
	if last.group != "-100" || !strings.Contains(last.text, "下降 1500") || !strings.Contains(last.text, "钻石 2") {
		t.Fatalf("notification = %+v", last)
	}
	if strings.Contains(last.text, "当前英雄") {
		t.Fatalf("offline player shows character: %q", last.text)
	}

	ev := (<-changes).Data.(RankChange)
	if ev.Delta() != -1500 || ev.GroupID != "-100" {
		t.Fatalf("event = %+v", ev)
	}

	// Unchanged: no further notification.
	if res, _ := f.tr.Reconcile(context.Background()); res.Unchanged != 1 || len(f.note.Sent()) != len(msgs) {
		t.Fatalf("unchanged pass = %+v", res)
	}
}

func TestReconcileOnlineDetails(t *testing.T) {
	f := newFixture(t, "")
	f.add(t, "g", "p1", 100)
	f.fetch.online = true
	f.fetch.state = "比赛中 (12:34)"
	f.fetch.set("p1", 150)

	if _, err := f.tr.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := f.note.Sent()
	text := msgs[len(msgs)-1].text
	for _, want := range []string{"上升 50", "当前英雄：恶灵 (S)", "状态：比赛中 (12:34)"} {
		if !strings.Contains(text, want) {
			t.Fatalf("notification %q missing %q", text, want)
		}
	}
}

func TestAddIsIdempotent(t *testing.T) {
	f := newFixture(t, "")
	f.add(t, "g", "moeneri", 5000)
	if _, err := f.tr.Add(context.Background(), "g", "MOENERI"); !errors.Is(err, ErrAlreadyTracked) {
		t.Fatalf("second add err = %v", err)
	}
	players := f.tr.List("g")
	if len(players) != 1 || Key(players[0].PlayerName) != "moeneri" {
		t.Fatalf("players = %+v", players)
	}
}

func TestAddRejectsInvalidScore(t *testing.T) {
	f := newFixture(t, "")
	f.fetch.set("newbie", 0)
	if _, err := f.tr.Add(context.Background(), "g", "newbie"); !errors.Is(err, ErrInvalidScore) {
		t.Fatalf("err = %v", err)
	}
	if f.reg.Count() != 0 {
		t.Fatalf("invalid score persisted")
	}
}

func TestAddSurvivesNotifyFailure(t *testing.T) {
	f := newFixture(t, "")
	f.fetch.set("p1", 10)
	res, err := f.tr.Add(context.Background(), "g", "p1")
	if err != nil || !res.Confirmed {
		t.Fatalf("healthy notifier: res=%+v err=%v", res, err)
	}

	f.note.err = errors.New("down")
	f.fetch.set("p2", 20)
	res, err = f.tr.Add(context.Background(), "g", "p2")
	if err != nil {
		t.Fatalf("add failed on notify failure: %v", err)
	}
	if res.Confirmed || res.Snapshot.RankScore != 20 {
		t.Fatalf("res = %+v", res)
	}
	if f.reg.Count() != 2 {
		t.Fatalf("add rolled back on notify failure")
	}
}

func TestAddFetchFailure(t *testing.T) {
	f := newFixture(t, "")
	f.fetch.errs["ghost"] = &apexapi.FetchError{Kind: apexapi.Fatal, Player: "ghost", Status: 404}
	_, err := f.tr.Add(context.Background(), "g", "ghost")
	var fe *apexapi.FetchError
	if !errors.As(err, &fe) || fe.Status != 404 {
		t.Fatalf("err = %v", err)
	}
}

func TestBlacklistEnforced(t *testing.T) {
	f := newFixture(t, "Cheater, other")
	f.fetch.set("cheater", 9000)

	if _, err := f.tr.Query(context.Background(), "CHEATER"); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("query err = %v", err)
	}
	if _, err := f.tr.Add(context.Background(), "g", "cheater"); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("add err = %v", err)
	}
	if calls := f.fetch.Calls(); len(calls) != 0 {
		t.Fatalf("blacklisted name fetched: %v", calls)
	}

	// Tracked before being blacklisted: skipped, never removed.
	snap := PlayerSnapshot{PlayerName: "Cheater", RankScore: 100, RankName: "青铜"}
	if err := f.reg.Insert(context.Background(), "g", snap); err != nil {
		t.Fatal(err)
	}
	f.fetch.set("cheater", 500)
	res, err := f.tr.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 || res.Fetched != 0 {
		t.Fatalf("result = %+v", res)
	}
	if got, ok := f.reg.Get("g", "cheater"); !ok || got.RankScore != 100 {
		t.Fatalf("blacklisted snapshot changed: %+v", got)
	}
	if len(f.fetch.Calls()) != 0 || len(f.note.Sent()) != 0 {
		t.Fatalf("blacklisted player fetched or notified")
	}
}

func TestRemoveDropsEmptyGroup(t *testing.T) {
	f := newFixture(t, "")
	f.add(t, "g1", "a", 10)
	f.add(t, "g1", "b", 20)
	f.add(t, "g2", "c", 30)

	if err := f.tr.Remove(context.Background(), "g1", "A"); err != nil {
		t.Fatal(err)
	}
	if err := f.tr.Remove(context.Background(), "g1", "a"); !errors.Is(err, ErrNotTracked) {
		t.Fatalf("second remove err = %v", err)
	}
	if err := f.tr.Remove(context.Background(), "g1", "b"); err != nil {
		t.Fatal(err)
	}
	groups := f.reg.Groups()
	if len(groups) != 1 || groups[0].GroupID != "g2" {
		t.Fatalf("groups = %+v", groups)
	}
	if f.tr.List("g1") != nil {
		t.Fatalf("removed group still listed")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	f := newFixture(t, "")
	f.add(t, "g1", "Zeta", 300)
	f.add(t, "g1", "alpha", 100)
	f.add(t, "g2", "Zeta", 300)
	f.fetch.set("zeta", 450)
	if _, err := f.tr.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	reloaded := NewRegistry(f.store, logx.Nop())
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	want, got := f.reg.Groups(), reloaded.Groups()
	if len(got) != len(want) {
		t.Fatalf("groups = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].GroupID != want[i].GroupID || len(got[i].Players) != len(want[i].Players) {
			t.Fatalf("group %d = %+v, want %+v", i, got[i], want[i])
		}
		for j := range want[i].Players {
			w, g := want[i].Players[j], got[i].Players[j]
			if !g.LastCheckedAt.Equal(w.LastCheckedAt) {
				t.Fatalf("checked at = %v, want %v", g.LastCheckedAt, w.LastCheckedAt)
			}
			g.LastCheckedAt, w.LastCheckedAt = time.Time{}, time.Time{}
			if g != w {
				t.Fatalf("player = %+v, want %+v", g, w)
			}
		}
	}
	if got[0].Players[0].PlayerName != "Zeta" || got[0].Players[0].RankScore != 450 {
		t.Fatalf("order or score lost: %+v", got[0].Players)
	}
}

func TestLoadIsBestEffort(t *testing.T) {
	store, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	reg := NewRegistry(store, logx.Nop())
	if err := reg.Load(context.Background()); err != nil || reg.Count() != 0 {
		t.Fatalf("missing document: err=%v count=%d", err, reg.Count())
	}

	if err := store.Put(context.Background(), StorageKey, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Load(context.Background()); err == nil || reg.Count() != 0 {
		t.Fatalf("corrupt document: err=%v count=%d", err, reg.Count())
	}

	doc := `{"version":1,"groups":[
		{"group_id":"g","players":[{"player_name":"A","rank_score":1},{"player_name":"a","rank_score":2}]},
		{"group_id":"empty","players":[]}
	]}`
	if err := store.Put(context.Background(), StorageKey, []byte(doc)); err != nil {
		t.Fatal(err)
	}
	if err := reg.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	groups := reg.Groups()
	if len(groups) != 1 || len(groups[0].Players) != 1 || groups[0].Players[0].RankScore != 1 {
		t.Fatalf("groups = %+v", groups)
	}
}

func TestReconcileFetchesSharedPlayerOnce(t *testing.T) {
	f := newFixture(t, "")
	f.add(t, "g1", "shared", 100)
	f.add(t, "g2", "Shared", 100)
	f.add(t, "g2", "broken", 100)
	f.fetch.errs["broken"] = &apexapi.FetchError{Kind: apexapi.Transient, Status: 503}
	f.fetch.set("shared", 120)
	calls := len(f.fetch.Calls())

	res, err := f.tr.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(f.fetch.Calls()) - calls; got != 2 {
		t.Fatalf("fetches = %d, want 2", got)
	}
	if res.Changed != 2 || res.Failed != 1 || res.Notified != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestReconcileKeepsUpdateWhenDeliveryFails(t *testing.T) {
	f := newFixture(t, "")
	f.add(t, "g", "p", 100)
	f.note.err = errors.New("unreachable")
	f.fetch.set("p", 200)
	if res, _ := f.tr.Reconcile(context.Background()); res.Changed != 1 || res.Notified != 0 {
		t.Fatalf("result = %+v", res)
	}

	reloaded := NewRegistry(f.store, logx.Nop())
	_ = reloaded.Load(context.Background())
	if got, _ := reloaded.Get("g", "p"); got.RankScore != 200 {
		t.Fatalf("persisted score = %d, want 200", got.RankScore)
	}
}

func TestReconcileStopsOnCancel(t *testing.T) {
	f := newFixture(t, "")
	f.add(t, "g", "p", 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.tr.Reconcile(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseBlacklist(t *testing.T) {
	bl := ParseBlacklist(" Foo ,bar,, BAZ ")
	if got := strings.Join(bl.Names(), ","); got != "bar,baz,foo" {
		t.Fatalf("names = %q", got)
	}
	if !bl.Contains("FOO") || bl.Contains("qux") {
		t.Fatalf("Contains broken")
	}
	if len(ParseBlacklist("")) != 0 {
		t.Fatalf("empty csv produced entries")
	}
}

func TestZeroThresholdsAreHonored(t *testing.T) {
	f := newFixture(t, "")
	f.tr.SetThresholds(Thresholds{MinValidScore: 0, MaxScoreDropThreshold: 0})
	if th := f.tr.Thresholds(); th.MinValidScore != 0 || th.MaxScoreDropThreshold != 0 {
		t.Fatalf("thresholds = %+v", th)
	}

	f.fetch.set("rookie", 0)
	if _, err := f.tr.Add(context.Background(), "g", "rookie"); err != nil {
		t.Fatalf("zero score rejected: %v", err)
	}
	f.fetch.set("rookie", 5)
	res, err := f.tr.Reconcile(context.Background())
	if err != nil || res.Changed != 1 {
		t.Fatalf("rise from zero: %+v, %v", res, err)
	}
	// A zero drop threshold rejects any drop.
	f.fetch.set("rookie", 4)
	res, err = f.tr.Reconcile(context.Background())
	if err != nil || res.Rejected != 1 || res.Changed != 0 {
		t.Fatalf("drop with zero threshold: %+v, %v", res, err)
	}
	if s, _ := f.reg.Get("g", "rookie"); s.RankScore != 5 {
		t.Fatalf("stored score = %d", s.RankScore)
	}
}
