package apexapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const samplePayload = `{
  "global": {
    "name": "ProPlayer",
    "uid": 1009876543,
    "platform": "PC",
    "level": 512,
    "toNextLevelPercent": 37,
    "rank": {"rankScore": 12450, "rankName": "Diamond", "rankDiv": 2, "ALStopPercentGlobal": 0.8}
  },
  "realtime": {"isOnline": 1, "selectedLegend": "Wraith", "currentStateAsText": "In match (12:34)"}
}`

type fakeProvider struct {
	calls    atomic.Int32
	handler  func(n int32, w http.ResponseWriter, r *http.Request)
	lastAuth atomic.Value
}

func newFakeProvider(t *testing.T, h func(n int32, w http.ResponseWriter, r *http.Request)) (*fakeProvider, *httptest.Server) {
	t.Helper()
	fp := &fakeProvider{handler: h}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := fp.calls.Add(1)
		fp.lastAuth.Store(r.URL.Query().Get("auth"))
		fp.handler(n, w, r)
	}))
	t.Cleanup(srv.Close)
	return fp, srv
}

func newTestClient(t *testing.T, baseURL string, base time.Duration) *Client {
	t.Helper()
	c, err := New(Options{APIKey: "secret", BaseURL: baseURL, MaxRetries: 3, Timeout: 2 * time.Second, BackoffBase: base})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFetchNormalizesPayload(t *testing.T) {
	fp, srv := newFakeProvider(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/bridge" || q.Get("player") != "ProPlayer" || q.Get("platform") != "PC" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(samplePayload))
	})
	c := newTestClient(t, srv.URL, time.Millisecond)

	obs, err := c.Fetch(context.Background(), "ProPlayer")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := fp.lastAuth.Load(); got != "secret" {
		t.Fatalf("auth = %v", got)
	}
	want := Observation{
		PlayerName:         "ProPlayer",
		UID:                "1009876543",
		Platform:           "PC",
		Level:              512,
		ToNextLevelPercent: 37,
		Score:              12450,
		RankName:           "钻石",
		RankDivision:       2,
		Percentile:         "0.8",
		IsOnline:           true,
		Legend:             "恶灵",
		LegendTier:         "S",
		State:              "比赛中 (12:34)",
		InLobbyOrMatch:     true,
	}
	if obs != want {
		t.Fatalf("observation mismatch\n got: %+v\nwant: %+v", obs, want)
	}
}

func TestFetchAppliesDefaults(t *testing.T) {
	_, srv := newFakeProvider(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"global":{"name":"NewGuy"},"realtime":{"isOnline":0,"currentStateAsText":"Offline"}}`))
	})
	c := newTestClient(t, srv.URL, time.Millisecond)

	obs, err := c.Fetch(context.Background(), "newguy")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if obs.Score != 0 || obs.RankName != "未定级" || obs.Percentile != "unknown" || obs.LegendTier != "unknown" {
		t.Fatalf("defaults not applied: %+v", obs)
	}
	if obs.IsOnline || obs.InLobbyOrMatch || obs.State != "离线" {
		t.Fatalf("offline state wrong: %+v", obs)
	}
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	fp, srv := newFakeProvider(t, func(n int32, w http.ResponseWriter, _ *http.Request) {
		if n <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(samplePayload))
	})
	c := newTestClient(t, srv.URL, time.Millisecond)

	obs, err := c.Fetch(context.Background(), "ProPlayer")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if obs.Score != 12450 {
		t.Fatalf("score = %d", obs.Score)
	}
	if got := fp.calls.Load(); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	fp, srv := newFakeProvider(t, func(n int32, w http.ResponseWriter, _ *http.Request) {
		if n%2 == 0 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(t, srv.URL, time.Millisecond)

	_, err := c.Fetch(context.Background(), "ProPlayer")
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != Transient {
		t.Fatalf("err = %v, want transient FetchError", err)
	}
	if got := fp.calls.Load(); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
	if fe.Status != http.StatusTooManyRequests {
		t.Fatalf("last status = %d, want 429 from the final attempt", fe.Status)
	}
}

func TestFetchFatalDoesNotRetry(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{name: "not found", status: http.StatusNotFound, body: "nope", target: ErrAPI},
		{name: "unauthorized", status: http.StatusForbidden, body: "bad key", target: ErrAPI},
		{name: "api error body", status: http.StatusOK, body: `{"Error":"Player not found. Try again?"}`, target: ErrAPI},
		{name: "malformed json", status: http.StatusOK, body: `{"global":`, target: ErrBadPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp, srv := newFakeProvider(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			// An hour-long backoff would hang the test if a fatal error waited.
			c := newTestClient(t, srv.URL, time.Hour)

			_, err := c.Fetch(context.Background(), "ProPlayer")
			var fe *FetchError
			if !errors.As(err, &fe) || fe.Kind != Fatal {
				t.Fatalf("err = %v, want fatal FetchError", err)
			}
			if !errors.Is(err, tt.target) {
				t.Fatalf("err = %v, want wrapping %v", err, tt.target)
			}
			if got := fp.calls.Load(); got != 1 {
				t.Fatalf("attempts = %d, want 1", got)
			}
		})
	}
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	_, srv := newFakeProvider(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		<-release
	})
	defer close(release)

	c, err := New(Options{APIKey: "k", BaseURL: srv.URL, MaxRetries: 0, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Fetch(context.Background(), "slow")
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestExponentialBackoffSchedule(t *testing.T) {
	b := exponentialBackoff(2*time.Second, 3)
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		d, stop := b.Next()
		if stop || d != w {
			t.Fatalf("retry %d: (%v, stop=%v), want %v", i+1, d, stop, w)
		}
	}
	if _, stop := b.Next(); !stop {
		t.Fatalf("backoff did not stop after max retries")
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("missing api key accepted")
	}
}

func TestFetchRejectsEmptyPlayer(t *testing.T) {
	c, _ := New(Options{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	_, err := c.Fetch(context.Background(), "  ")
	if !errors.Is(err, ErrEmptyPlayer) {
		t.Fatalf("err = %v", err)
	}
}

func TestFetchSharedCallSurvivesCallerCancel(t *testing.T) {
	fp, srv := newFakeProvider(t, func(n int32, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(samplePayload))
	})
	c := newTestClient(t, srv.URL, 200*time.Millisecond)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctxA, "ProPlayer")
		errA <- err
	}()

	// Join while the first caller sits in its backoff after the 502.
	deadline := time.Now().Add(2 * time.Second)
	for fp.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first attempt never reached the provider")
		}
		time.Sleep(time.Millisecond)
	}
	resB := make(chan error, 1)
	var obsB Observation
	go func() {
		o, err := c.Fetch(context.Background(), "proplayer")
		obsB = o
		resB <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelA()

	if err := <-errA; !errors.Is(err, context.Canceled) || !IsTransient(err) {
		t.Fatalf("cancelled caller err = %v", err)
	}
	if err := <-resB; err != nil {
		t.Fatalf("other caller failed with %v", err)
	}
	if obsB.Score != 12450 {
		t.Fatalf("score = %d", obsB.Score)
	}
	if got := fp.calls.Load(); got != 2 {
		t.Fatalf("provider calls = %d, want 2", got)
	}
}

func TestFetchBudget(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", 2*time.Second)
	// 4 attempts of 2s plus waits of 2s, 4s, 8s.
	if got, want := c.budget(), 22*time.Second; got != want {
		t.Fatalf("budget = %v, want %v", got, want)
	}
}
