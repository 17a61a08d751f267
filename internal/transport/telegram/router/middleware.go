package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain applies m so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for _, mw := range slices.Backward(m) {
		h = mw(h)
	}
	return h
}

// Recover turns a handler panic into an error.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("command panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("internal error: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// RequestLog logs failures at warn and slow commands at info.
func RequestLog(slow time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			switch {
			case err != nil:
				req.Logger.Warn("command failed", logx.Duration("took", took), logx.Err(err))
			case took >= slow:
				req.Logger.Info("command slow", logx.Duration("took", took))
			default:
				req.Logger.Debug("command ok", logx.Duration("took", took))
			}
			return err
		}
	}
}

// Timeout bounds the handler context; d <= 0 leaves it unbounded.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// ReplyError answers a failed command with "error: <err>". The reply uses a
// fresh deadline since the handler context may have expired.
func ReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil || req.adapter == nil {
				return err
			}
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if rerr := req.Reply(rctx, "error: "+err.Error()); rerr != nil {
				req.Logger.Warn("error reply failed", logx.Err(rerr))
			}
			return err
		}
	}
}
