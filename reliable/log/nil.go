package log

import "context"

// NopLogger discards every entry.
type NopLogger struct{}

// NewNop returns a logger that discards every entry.
func NewNop() Logger {
	return &NopLogger{}
}

// Log drops the entry.
func (l *NopLogger) Log(_ context.Context, _ Level, _ string, _ ...Field) {}

// With returns the receiver.
//
//nolint:ireturn
func (l *NopLogger) With(_ ...Field) Logger {
	return l
}

// WithGroup returns the receiver.
//
//nolint:ireturn
func (l *NopLogger) WithGroup(_ string) Logger {
	return l
}

// Enabled always reports false.
func (l *NopLogger) Enabled(_ Level) bool {
	return false
}

// Sync always returns nil.
func (l *NopLogger) Sync(_ context.Context) error { return nil }

// OrNop returns logger, or a NopLogger when logger is nil.
//
//nolint:ireturn
func OrNop(logger Logger) Logger {
	if logger == nil {
		return NewNop()
	}

	return logger
}
