//go:build unit

package runtime

import (
	"context"
	"sync"

	"github.com/LerianStudio/lib-reliable/reliable/log"
)

type testLogger struct {
	mu       sync.Mutex
	messages []string
	fields   [][]log.Field
}

func (l *testLogger) Log(_ context.Context, _ log.Level, msg string, fields ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = append(l.messages, msg)
	l.fields = append(l.fields, fields)
}

func (l *testLogger) With(_ ...log.Field) log.Logger { return l }

func (l *testLogger) WithGroup(_ string) log.Logger { return l }

func (l *testLogger) Enabled(_ log.Level) bool { return true }

func (l *testLogger) Sync(_ context.Context) error { return nil }

func (l *testLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.messages)
}

func (l *testLogger) field(entry int, key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, f := range l.fields[entry] {
		if f.Key == key {
			return f.Value, true
		}
	}

	return nil, false
}
