package engine

import (
	"log/slog"
	"runtime/debug"
)

// goSafe runs fn in a goroutine and turns panics into log entries so a
// background job can never take the process down.
func goSafe(logger *slog.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in background task",
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
