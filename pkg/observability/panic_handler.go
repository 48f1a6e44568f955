package observability

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic recovers from a panic and logs it with its stack trace.
// Call it in a defer at the top of long-running goroutines:
//
//	go func() {
//	    defer observability.RecoverPanic(log, "watcher")
//	    // ...
//	}()
//
// The panic is not re-raised.
func RecoverPanic(log logrus.FieldLogger, where string) {
	if r := recover(); r != nil {
		logPanic(log, where, r)
	}
}

// RecoverPanicWithCallback recovers from a panic, logs it and then runs callback
// if a panic occurred.
func RecoverPanicWithCallback(log logrus.FieldLogger, where string, callback func()) {
	if r := recover(); r != nil {
		logPanic(log, where, r)
		if callback != nil {
			callback()
		}
	}
}

func logPanic(log logrus.FieldLogger, where string, r interface{}) {
	log.WithFields(logrus.Fields{
		"panic":   r,
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}
