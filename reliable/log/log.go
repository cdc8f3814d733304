package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the structured logger accepted by sender loops, dispatchers,
// cleaners and stores.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	WithGroup(name string) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level is the severity of a log entry. Lower values are more severe, so a
// logger configured at LevelInfo emits Error, Warn and Info entries.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the lowercase name of the level.
func (level Level) String() string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a textual level into a Level.
func ParseLevel(lvl string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}

	var l Level

	return l, fmt.Errorf("not a valid Level: %q", lvl)
}

// Field is a key/value attribute attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Any creates a field with an arbitrary value. Prefer the typed
// constructors for anything that could carry message payloads.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates a 64-bit integer field.
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err creates the conventional `error` field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Keys shared by every component that logs about a delivery. Aggregators
// index on them, so they must not drift between packages.
const (
	KeyMessageID  = "message_id"
	KeyTrackID    = "track_id"
	KeyConsumer   = "consumer"
	KeyStatus     = "status"
	KeyRetry      = "retry"
	KeyLoop       = "loop"
	KeyApp        = "app"
	KeyUnitOfWork = "uow_id"
)

// MessageID names the outbox or inbox row an entry is about.
func MessageID(id string) Field {
	return Field{Key: KeyMessageID, Value: id}
}

// TrackID is the broker-side identifier of an inbound message.
func TrackID(id string) Field {
	return Field{Key: KeyTrackID, Value: id}
}

// Consumer names the inbox consumer key.
func Consumer(key string) Field {
	return Field{Key: KeyConsumer, Value: key}
}

// Status records a delivery status. Anything with a String method works,
// so callers pass their status type directly.
func Status(status fmt.Stringer) Field {
	if status == nil {
		return Field{Key: KeyStatus, Value: ""}
	}

	return Field{Key: KeyStatus, Value: status.String()}
}

// Retry is the attempt counter of a retried operation, starting at 1.
func Retry(attempt int64) Field {
	return Field{Key: KeyRetry, Value: attempt}
}

// Loop names a polling loop.
func Loop(name string) Field {
	return Field{Key: KeyLoop, Value: name}
}

// App names an app hosted by the launcher.
func App(name string) Field {
	return Field{Key: KeyApp, Value: name}
}

// UnitOfWork carries the id of the unit of work an entry belongs to.
func UnitOfWork(id string) Field {
	return Field{Key: KeyUnitOfWork, Value: id}
}
