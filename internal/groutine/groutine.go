// Package groutine starts named goroutines. The name is attached as a pprof
// label, so goroutine profiles of a busy adapter show which peripheral and
// operation each goroutine belongs to.
package groutine

import (
	"context"
	"fmt"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn on a new goroutine labelled with name.
//
//	groutine.Go(ctx, "gatt-read:AA:BB:CC:DD:EE:FF", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GoSafe is Go with a recover: a panic in fn is logged and passed to onPanic
// instead of crashing the process. Platform BLE stacks do panic on some
// malformed responses.
func GoSafe(parentCtx context.Context, name string, logger *logrus.Logger, fn func(ctx context.Context), onPanic func(err error)) {
	Go(parentCtx, name, func(ctx context.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			err := fmt.Errorf("panic in %s: %v", name, r)
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     r,
					"stack":     string(debug.Stack()),
				}).Error("Recovered goroutine panic")
			}
			if onPanic != nil {
				onPanic(err)
			}
		}()
		fn(ctx)
	})
}

// Name retrieves the goroutine name from the context.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
