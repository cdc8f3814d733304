//go:build unit

package log

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu      sync.Mutex
	level   Level
	entries []recordedEntry
}

type recordedEntry struct {
	level  Level
	msg    string
	fields []Field
}

func (r *recordingLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, recordedEntry{level: level, msg: msg, fields: fields})
}

func (r *recordingLogger) With(_ ...Field) Logger { return r }
func (r *recordingLogger) WithGroup(_ string) Logger { return r }
func (r *recordingLogger) Enabled(level Level) bool { return r.level >= level }
func (r *recordingLogger) Sync(_ context.Context) error { return nil }

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: "INFO", want: LevelInfo},
		{in: "warning", want: LevelWarn},
		{in: " warn ", want: LevelWarn},
		{in: "error", want: LevelError},
		{in: "fatal", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()
	logger.Log(context.Background(), LevelError, "ignored", String("k", "v"))

	assert.False(t, logger.Enabled(LevelError))
	assert.Same(t, logger, logger.With(Int("n", 1)))
	assert.Same(t, logger, logger.WithGroup("group"))
	require.NoError(t, logger.Sync(context.Background()))
}

func TestOrNop(t *testing.T) {
	t.Parallel()

	assert.IsType(t, &NopLogger{}, OrNop(nil))

	rec := &recordingLogger{}
	assert.Same(t, rec, OrNop(rec))
}

func TestSafeError(t *testing.T) {
	t.Parallel()

	t.Run("production logs only type", func(t *testing.T) {
		t.Parallel()

		rec := &recordingLogger{level: LevelDebug}
		SafeError(rec, context.Background(), "publish failed", errors.New("payload secret"), true)

		require.Len(t, rec.entries, 1)
		assert.Equal(t, "error_type", rec.entries[0].fields[0].Key)
		assert.Equal(t, "*errors.errorString", rec.entries[0].fields[0].Value)
	})

	t.Run("non production logs error", func(t *testing.T) {
		t.Parallel()

		rec := &recordingLogger{level: LevelDebug}
		err := errors.New("boom")
		SafeError(rec, context.Background(), "publish failed", err, false)

		require.Len(t, rec.entries, 1)
		assert.Equal(t, Err(err), rec.entries[0].fields[0])
	})

	t.Run("nil inputs are ignored", func(t *testing.T) {
		t.Parallel()

		rec := &recordingLogger{level: LevelDebug}
		SafeError(nil, context.Background(), "x", errors.New("boom"), false)
		SafeError(rec, context.Background(), "x", nil, false)

		assert.Empty(t, rec.entries)
	})
}

type fakeStatus string

func (s fakeStatus) String() string { return string(s) }

func TestDeliveryFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		field Field
		key   string
		value any
	}{
		{name: "message id", field: MessageID("m-1"), key: "message_id", value: "m-1"},
		{name: "track id", field: TrackID("t-1"), key: "track_id", value: "t-1"},
		{name: "consumer", field: Consumer("billing"), key: "consumer", value: "billing"},
		{name: "status", field: Status(fakeStatus("processed")), key: "status", value: "processed"},
		{name: "nil status", field: Status(nil), key: "status", value: ""},
		{name: "retry", field: Retry(2), key: "retry", value: int64(2)},
		{name: "loop", field: Loop("outbox-sender"), key: "loop", value: "outbox-sender"},
		{name: "app", field: App("relay"), key: "app", value: "relay"},
		{name: "unit of work", field: UnitOfWork("u-1"), key: "uow_id", value: "u-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.key, tt.field.Key)
			assert.Equal(t, tt.value, tt.field.Value)
		})
	}
}
