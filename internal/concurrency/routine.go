package concurrency

import (
	"context"
	"runtime/debug"

	"github.com/harunnryd/kansa/internal/logger"
)

// SafeGo runs fn in a goroutine with panic recovery. The recovered value is
// logged with ctx's trace fields and handed to onPanic when set.
func SafeGo(ctx context.Context, name string, fn func(ctx context.Context), onPanic func(any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.FromContext(ctx).Error("Panic recovered",
					"task", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn(ctx)
	}()
}
