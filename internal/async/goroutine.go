// Package async runs background work with panic recovery.
package async

import (
	"runtime/debug"
	"sync"

	"github.com/hupe1980/opsmesh/logging"
)

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// GoTracked is Go with wg accounting. wg.Done runs even when fn panics.
func GoTracked(wg *sync.WaitGroup, logger logging.Logger, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process. It must be
// called directly by a deferred statement.
func Recover(logger logging.Logger, name string) {
	if r := recover(); r != nil {
		logging.OrNop(logger).Error("goroutine panic", "goroutine", name, "panic", r, "stack", string(debug.Stack()))
	}
}
