// safego.go — Panic-recovering goroutine launcher.
package util

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// SafeGo launches fn in a goroutine with deferred panic recovery.
// On panic: logs the stack trace and swallows it. Background panics in the
// event loop's satellite goroutines (accept and read loops, reconnect
// manager) must not bring the whole process down.
func SafeGo(log *zap.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in background goroutine",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		fn()
	}()
}
