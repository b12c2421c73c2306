// Package telemetry is graphflow's logging façade. The teacher pipeline
// threads a telemetry.Logger from the private, unpublished
// github.com/creastat/infra/telemetry package through every stage
// (stages/websocket_sink.go, stages/rag.go: logger.WithModule(name), then
// Info/Debug/Error calls carrying typed fields). That package isn't a real
// resolvable dependency, so this package re-implements the same shallow
// interface directly on top of github.com/rs/zerolog, which the teacher
// already carried as an indirect dependency.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Field is a single structured logging attribute.
type Field struct {
	key   string
	apply func(e *zerolog.Event) *zerolog.Event
}

// String builds a string field.
func String(key, value string) Field {
	return Field{key: key, apply: func(e *zerolog.Event) *zerolog.Event { return e.Str(key, value) }}
}

// Int builds an integer field.
func Int(key string, value int) Field {
	return Field{key: key, apply: func(e *zerolog.Event) *zerolog.Event { return e.Int(key, value) }}
}

// Float64 builds a floating point field.
func Float64(key string, value float64) Field {
	return Field{key: key, apply: func(e *zerolog.Event) *zerolog.Event { return e.Float64(key, value) }}
}

// Duration builds a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{key: key, apply: func(e *zerolog.Event) *zerolog.Event { return e.Dur(key, value) }}
}

// Err builds an error field under the conventional "error" key.
func Err(err error) Field {
	return Field{key: "error", apply: func(e *zerolog.Event) *zerolog.Event { return e.Err(err) }}
}

// Bool builds a boolean field.
func Bool(key string, value bool) Field {
	return Field{key: key, apply: func(e *zerolog.Event) *zerolog.Event { return e.Bool(key, value) }}
}

// Logger is the minimal structured-logging surface the engine depends on.
// It is intentionally narrow — just enough to mirror the teacher's
// telemetry.Logger usage — so call sites never need to know it is backed
// by zerolog.
type Logger interface {
	WithModule(name string) Logger
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

type zerologLogger struct {
	logger zerolog.Logger
}

// New returns a Logger writing zerolog's JSON lines, one per event, to w
// (os.Stderr when w is nil).
func New(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &zerologLogger{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything; used as the zero-overhead
// default when callers don't care about engine diagnostics (spec.md §9's
// "keep the fast path allocation-free when the observer is null" note
// applies equally to the logging path).
func Nop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

func (l *zerologLogger) WithModule(name string) Logger {
	return &zerologLogger{logger: l.logger.With().Str("module", name).Logger()}
}

func (l *zerologLogger) Debug(msg string, fields ...Field) {
	emit(l.logger.Debug(), msg, fields)
}

func (l *zerologLogger) Info(msg string, fields ...Field) {
	emit(l.logger.Info(), msg, fields)
}

func (l *zerologLogger) Error(msg string, fields ...Field) {
	emit(l.logger.Error(), msg, fields)
}

func emit(event *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		event = f.apply(event)
	}
	event.Msg(msg)
}
