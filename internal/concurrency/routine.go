package concurrency

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// SafeGo runs fn on its own goroutine. A panic is logged with its stack and
// passed to onPanic instead of taking the process down.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer Recover("goroutine", onPanic)
		fn()
	}()
}

// Recover must be deferred directly. It logs a recovered panic under scope and
// hands the value to onPanic.
func Recover(scope string, onPanic func(interface{})) {
	r := recover()
	if r == nil {
		return
	}
	slog.Error("Panic recovered", "scope", scope, "panic", r, "stack", string(debug.Stack()))
	if onPanic != nil {
		onPanic(r)
	}
}

// PanicError converts a recovered value into an error.
func PanicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
