// Package ops provides the logging and stats facilities shared by every
// scheduler actor (Scheduler, Worker, DeadlockResolver, RemasterManager).
package ops

import (
	log "github.com/sirupsen/logrus"
)

// Logger is the interface every actor logs through. It is deliberately
// narrower than *logrus.Logger so that call sites can't reach past the
// field-scoping discipline enforced by NewLoggerWithFields.
type Logger interface {
	Log(level log.Level, fields log.Fields, message string) error
	Level() log.Level
}

// NewLoggerWithFields wraps delegate, adding `add` to every subsequent
// Log call. Used to scope a logger to a MachineId, component name, or txn id
// without threading those values through every call site.
func NewLoggerWithFields(delegate Logger, add log.Fields) Logger {
	return &withFieldsLogger{delegate: delegate, add: add}
}

type withFieldsLogger struct {
	delegate Logger
	add      log.Fields
}

func (l *withFieldsLogger) Level() log.Level { return l.delegate.Level() }

func (l *withFieldsLogger) Log(level log.Level, fields log.Fields, message string) error {
	if level > l.Level() {
		return nil
	}
	var merged log.Fields
	if len(fields) == 0 {
		merged = l.add
	} else {
		merged = make(log.Fields, len(fields)+len(l.add))
		for k, v := range l.add {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	return l.delegate.Log(level, merged, message)
}

type stdLogAppender struct{}

func (stdLogAppender) Level() log.Level { return log.GetLevel() }

func (l stdLogAppender) Log(level log.Level, fields log.Fields, message string) error {
	if level > l.Level() {
		return nil
	}
	log.WithFields(fields).Log(level, message)
	return nil
}

// StdLogger returns a Logger that forwards directly to the logrus package
// singleton. cmd/detock-scheduler passes it, unscoped, to every actor it
// constructs; tests use it too.
func StdLogger() Logger { return stdLogAppender{} }

// ForComponent scopes StdLogger (or any Logger) with a component name and
// MachineId, the shape every actor constructor expects.
func ForComponent(base Logger, component string, machine uint32) Logger {
	return NewLoggerWithFields(base, log.Fields{
		"component": component,
		"machine":   machine,
	})
}

// Fatal logs at Error level and panics, for conditions spec.md §7 names as
// process-fatal: configuration parse errors, lock-table invariant
// violations (release of an unready txn, an SCC containing an unstable
// vertex), unknown transaction type after accept. No actor loop recovers,
// so the unrecovered panic terminates the process with a stack trace; tests
// assert the condition with require.Panics instead of exec'ing a subprocess.
func Fatal(l Logger, fields log.Fields, message string) {
	log.WithFields(fields).Error(message)
	panic(message)
}
