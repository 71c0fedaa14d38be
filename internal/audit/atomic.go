package audit

import (
	"context"
	"sync/atomic"
)

// AtomicLogger wraps a Logger with an atomic pointer for lock-free
// hot-reload. All Logger method calls delegate to the currently stored
// logger; Swap replaces it atomically. Middleware built once can hold
// an AtomicLogger across configuration reloads while the inner logger
// changes underneath.
type AtomicLogger struct {
	current atomic.Pointer[Logger]
}

// Ensure AtomicLogger satisfies the Logger interface.
var _ Logger = (*AtomicLogger)(nil)

// defaultNoopLogger backs Load for a zero-value AtomicLogger, so no
// allocation happens on that path.
var defaultNoopLogger Logger = &noopLogger{}

// NewAtomicLogger creates a new AtomicLogger wrapping the given
// logger. If logger is nil, a NoopLogger is used as the initial
// delegate to guarantee nil-safe operation.
func NewAtomicLogger(logger Logger) *AtomicLogger {
	if logger == nil {
		logger = NewNoopLogger()
	}
	a := &AtomicLogger{}
	a.current.Store(&logger)
	return a
}

// Swap atomically replaces the inner logger and returns the previous
// one. The caller is responsible for closing the previous logger if
// needed. If newLogger is nil, a NoopLogger is stored instead.
func (a *AtomicLogger) Swap(newLogger Logger) Logger {
	if newLogger == nil {
		newLogger = NewNoopLogger()
	}
	old := a.current.Swap(&newLogger)
	if old != nil {
		return *old
	}
	return nil
}

// Load returns the current inner logger. A zero-value AtomicLogger
// yields a NoopLogger.
func (a *AtomicLogger) Load() Logger {
	if ptr := a.current.Load(); ptr != nil {
		return *ptr
	}
	return defaultNoopLogger
}

// LogEvent delegates to the current inner logger.
func (a *AtomicLogger) LogEvent(ctx context.Context, event *Event) {
	a.Load().LogEvent(ctx, event)
}

// LogEvaluation delegates to the current inner logger.
func (a *AtomicLogger) LogEvaluation(
	ctx context.Context,
	outcome Outcome,
	subject *Subject,
	request *RequestDetails,
	decision *DecisionDetails,
) {
	a.Load().LogEvaluation(ctx, outcome, subject, request, decision)
}

// LogConfiguration delegates to the current inner logger.
func (a *AtomicLogger) LogConfiguration(ctx context.Context, action Action, outcome Outcome) {
	a.Load().LogConfiguration(ctx, action, outcome)
}

// LogSecurity delegates to the current inner logger.
func (a *AtomicLogger) LogSecurity(
	ctx context.Context,
	action Action,
	outcome Outcome,
	subject *Subject,
	details map[string]interface{},
) {
	a.Load().LogSecurity(ctx, action, outcome, subject, details)
}

// Close closes the current inner logger.
func (a *AtomicLogger) Close() error {
	return a.Load().Close()
}
