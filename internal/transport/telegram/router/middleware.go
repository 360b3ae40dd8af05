package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "apexbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			commandRequests.WithLabelValues(req.Command, outcome(err)).Inc()

			if err != nil {
				req.Logger.Warn("request failed", logx.Duration("dur", d), logx.Err(err))
				return err
			}
			// Slow successes are worth seeing at INFO.
			if d >= 750*time.Millisecond {
				req.Logger.Info("request ok", logx.Duration("dur", d))
			} else {
				req.Logger.Debug("request ok", logx.Duration("dur", d))
			}
			return nil
		}
	}
}

// MWGroupOnly rejects commands that need a group identity when issued in a
// private chat.
func MWGroupOnly(reply string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if !req.IsGroup {
				return req.Reply(ctx, reply)
			}
			return next(ctx, req)
		}
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
