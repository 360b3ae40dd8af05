// Package apexapi fetches a player's ranked state from the stats provider,
// retrying transient failures with exponential backoff.
package apexapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"

	logx "apexbot/pkg/logx"
)

const (
	DefaultBaseURL     = "https://api.mozambiquehe.re"
	DefaultPlatform    = "PC"
	DefaultMaxRetries  = 3
	DefaultTimeout     = 10 * time.Second
	DefaultBackoffBase = 2 * time.Second
)

type Options struct {
	APIKey   string
	BaseURL  string
	Platform string

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Timeout bounds each attempt.
	Timeout time.Duration
	// BackoffBase is the wait before the first retry; it doubles per retry.
	BackoffBase time.Duration

	Logger logx.Logger
}

type Client struct {
	opts  Options
	log   logx.Logger
	http  *fasthttp.Client
	group singleflight.Group
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("apexapi: api key is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Platform == "" {
		opts.Platform = DefaultPlatform
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		opts: opts,
		log:  log,
		http: &fasthttp.Client{
			Name:                "apexbot",
			MaxConnsPerHost:     16,
			ReadTimeout:         opts.Timeout,
			WriteTimeout:        opts.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}, nil
}

// Fetch returns the current observation for player. Concurrent calls for
// the same player (case-insensitive) share one upstream request. The shared
// request is detached from every caller's cancellation and bounded by
// budget; a caller whose ctx ends stops waiting without failing the others.
//
// Every error is a *FetchError.
func (c *Client) Fetch(ctx context.Context, player string) (Observation, error) {
	player = strings.TrimSpace(player)
	if player == "" {
		return Observation{}, &FetchError{Kind: Fatal, Err: ErrEmptyPlayer}
	}
	ch := c.group.DoChan(strings.ToLower(player), func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.budget())
		defer cancel()
		return c.fetchWithRetry(sctx, player)
	})
	select {
	case <-ctx.Done():
		return Observation{}, &FetchError{Kind: Transient, Player: player, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return Observation{}, res.Err
		}
		return res.Val.(Observation), nil
	}
}

// budget is the longest a full retry sequence can take: every attempt
// timing out plus every backoff wait.
func (c *Client) budget() time.Duration {
	attempts := time.Duration(c.opts.MaxRetries + 1)
	waits := c.opts.BackoffBase * time.Duration(uint64(1)<<c.opts.MaxRetries-1)
	return attempts*c.opts.Timeout + waits
}

// exponentialBackoff yields base, 2*base, 4*base, ... and stops after
// maxRetries values.
func exponentialBackoff(base time.Duration, maxRetries int) retry.Backoff {
	next := base
	return retry.WithMaxRetries(uint64(maxRetries), retry.BackoffFunc(func() (time.Duration, bool) {
		d := next
		next *= 2
		return d, false
	}))
}

func (c *Client) fetchWithRetry(ctx context.Context, player string) (Observation, error) {
	start := time.Now()
	var (
		obs     Observation
		attempt int
	)
	err := retry.Do(ctx, exponentialBackoff(c.opts.BackoffBase, c.opts.MaxRetries), func(ctx context.Context) error {
		attempt++
		o, err := c.fetchOnce(ctx, player)
		if err == nil {
			fetchAttempts.WithLabelValues("ok").Inc()
			obs = o
			return nil
		}
		if IsTransient(err) {
			fetchAttempts.WithLabelValues("transient").Inc()
			if attempt <= c.opts.MaxRetries {
				c.log.Warn("stats fetch failed; retrying",
					logx.String("player", player),
					logx.Int("attempt", attempt),
					logx.Int("max_retries", c.opts.MaxRetries),
					logx.Err(err),
				)
			}
			return retry.RetryableError(err)
		}
		fetchAttempts.WithLabelValues("fatal").Inc()
		return err
	})
	if err == nil {
		fetchDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		return obs, nil
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		// retry.Do returns the bare context error on cancellation.
		fe = &FetchError{Kind: Transient, Player: player, Err: err}
	}
	fetchDuration.WithLabelValues(fe.Kind.String()).Observe(time.Since(start).Seconds())
	return Observation{}, fe
}

func (c *Client) fetchOnce(ctx context.Context, player string) (Observation, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.opts.BaseURL + "/bridge")
	args := req.URI().QueryArgs()
	args.Add("auth", c.opts.APIKey)
	args.Add("player", player)
	args.Add("platform", c.opts.Platform)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	timeout := c.opts.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	if timeout <= 0 {
		return Observation{}, &FetchError{Kind: Transient, Player: player, Err: context.DeadlineExceeded}
	}

	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return Observation{}, &FetchError{Kind: classifyTransport(err), Player: player, Err: err}
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return Observation{}, &FetchError{
			Kind:   classifyStatus(status),
			Player: player,
			Status: status,
			Err:    fmt.Errorf("%w: %s", ErrAPI, snippet(resp.Body())),
		}
	}

	var payload bridgeResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return Observation{}, &FetchError{Kind: Fatal, Player: player, Status: status, Err: fmt.Errorf("%w: %v", ErrBadPayload, err)}
	}
	if msg := strings.TrimSpace(payload.Error); msg != "" {
		return Observation{}, &FetchError{Kind: Fatal, Player: player, Status: status, Err: fmt.Errorf("%w: %s", ErrAPI, msg)}
	}
	return payload.observation(player), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
