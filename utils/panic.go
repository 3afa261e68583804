package utils

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// PanicRecovery must be deferred directly; it logs and swallows a panic.
func PanicRecovery(log *zap.Logger) {
	if r := recover(); r != nil {
		log.With(zap.Any("panic", r), zap.String("stack", string(debug.Stack()))).Error("recovered panic")
	}
}

// PanicToError must be deferred directly; it turns a panic into *errp so the
// goroutine's owner (usually an errgroup) sees a failure instead of a crash.
func PanicToError(log *zap.Logger, errp *error) {
	if r := recover(); r != nil {
		log.With(zap.Any("panic", r), zap.String("stack", string(debug.Stack()))).Error("recovered panic")
		*errp = fmt.Errorf("panic: %v", r)
	}
}
