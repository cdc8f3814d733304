//go:build unit

package postgres

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRow assigns values to scan destinations in order.
type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r.values))
	}

	for i, target := range dest {
		switch typed := target.(type) {
		case *string:
			*typed = r.values[i].(string)
		case *[]byte:
			*typed = r.values[i].([]byte)
		case *time.Time:
			*typed = r.values[i].(time.Time)
		case *sql.NullInt64:
			*typed = r.values[i].(sql.NullInt64)
		case *sql.NullTime:
			*typed = r.values[i].(sql.NullTime)
		case *sql.NullString:
			*typed = r.values[i].(sql.NullString)
		default:
			return fmt.Errorf("scan: unsupported destination %T", target)
		}
	}

	return nil
}

func newTestOutboxStore(t *testing.T, opts ...Option) *OutboxStore {
	t.Helper()

	backend, err := NewBackend("", NewConnection(Config{}, nil))
	require.NoError(t, err)

	store, err := NewOutboxStore(backend, opts...)
	require.NoError(t, err)

	return store
}

func TestTableName(t *testing.T) {
	name, err := tableName("outbox_messages")
	require.NoError(t, err)
	assert.Equal(t, `"outbox_messages"`, name)

	name, err = tableName(" reliable . outbox ")
	require.NoError(t, err)
	assert.Equal(t, `"reliable"."outbox"`, name)

	for _, invalid := range []string{"", "outbox;drop table x", `out"box`, "1outbox", "a..b"} {
		_, err := tableName(invalid)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, invalid)
	}
}

func TestNewOutboxStore_RejectsInvalidTable(t *testing.T) {
	backend, err := NewBackend("", NewConnection(Config{}, nil))
	require.NoError(t, err)

	_, err = NewOutboxStore(backend, WithTableName("bad name"))
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = NewOutboxStore(nil)
	assert.ErrorIs(t, err, ErrConnectionRequired)
}

func TestClaimableQuery(t *testing.T) {
	store := newTestOutboxStore(t)
	policy := delivery.ClaimPolicy{MaxProcessing: 10 * time.Minute}

	query, args, err := store.rows.claimableQuery(baseTime, policy, 50, true).ToSql()
	require.NoError(t, err)

	assert.Contains(t, query, `FROM "outbox_messages"`)
	assert.Contains(t, query, "next_retry_after IS NULL")
	assert.Contains(t, query, "next_retry_after <= $3")
	assert.Contains(t, query, "last_attempt_at <= $5")
	assert.Contains(t, query, "ORDER BY last_attempt_at ASC, id ASC")
	assert.Contains(t, query, "LIMIT 50")
	assert.Contains(t, query, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, query, "payload_type, routing_key")

	assert.Equal(t, []any{"New", "Failed", baseTime, "Processing", baseTime.Add(-10 * time.Minute)}, args)

	unlocked, _, err := store.rows.claimableQuery(baseTime, policy, 50, false).ToSql()
	require.NoError(t, err)
	assert.NotContains(t, unlocked, "FOR UPDATE")
}

func TestCleanupQueries(t *testing.T) {
	store := newTestOutboxStore(t, WithTableName("reliable.outbox"))

	query, args, err := store.rows.beyondProcessedCapQuery(5, 100).ToSql()
	require.NoError(t, err)
	assert.Contains(t, query, `FROM "reliable"."outbox"`)
	assert.Contains(t, query, "ORDER BY last_attempt_at DESC")
	assert.Contains(t, query, "LIMIT 100")
	assert.Contains(t, query, "OFFSET 5")
	assert.Equal(t, []any{"Processed"}, args)

	processedBefore := baseTime.Add(-7 * 24 * time.Hour)
	failedBefore := baseTime.Add(-30 * 24 * time.Hour)

	query, args, err = store.rows.expiredQuery(processedBefore, failedBefore, 10).ToSql()
	require.NoError(t, err)
	assert.Contains(t, query, "ORDER BY last_attempt_at ASC")
	assert.Contains(t, query, "LIMIT 10")
	assert.Equal(t, []any{"Processed", processedBefore, "Failed", failedBefore}, args)
}

func TestInboxQueriesUseConsumeColumn(t *testing.T) {
	backend, err := NewBackend("", NewConnection(Config{}, nil))
	require.NoError(t, err)

	store, err := NewInboxStore(backend)
	require.NoError(t, err)

	assert.Contains(t, store.rows.columns(), "last_consume_at")
	assert.NotContains(t, store.rows.columns(), "last_attempt_at")

	policy := delivery.ClaimPolicy{MaxProcessing: time.Minute}

	claim, _, err := store.rows.claimableQuery(baseTime, policy, 10, true).ToSql()
	require.NoError(t, err)
	assert.Contains(t, claim, "last_consume_at <= $5")
	assert.Contains(t, claim, "ORDER BY last_consume_at ASC, id ASC")
	assert.NotContains(t, claim, "last_attempt_at")

	capped, _, err := store.rows.beyondProcessedCapQuery(1, 10).ToSql()
	require.NoError(t, err)
	assert.Contains(t, capped, "ORDER BY last_consume_at DESC")

	expired, _, err := store.rows.expiredQuery(baseTime, baseTime, 10).ToSql()
	require.NoError(t, err)
	assert.Contains(t, expired, "last_consume_at < $2")
	assert.NotContains(t, expired, "last_attempt_at")
}

func TestRowValuesAndScan(t *testing.T) {
	store := newTestOutboxStore(t)

	msg, err := outbox.NewMessage("m-1", []byte(`{}`), "event", "orders.created", delivery.StatusNew, baseTime, time.Minute, nil)
	require.NoError(t, err)

	values := store.rows.rowValues(msg)
	require.Len(t, values, len(store.rows.columns()))
	assert.Equal(t, "m-1", values[0])
	assert.Equal(t, "New", values[2])
	assert.Equal(t, 0, values[3])
	assert.Nil(t, values[4], "no retry scheduled")
	assert.Nil(t, values[7], "no error recorded")
	assert.Equal(t, "orders.created", values[10])

	next := baseTime.Add(2 * time.Minute)

	scanned, err := store.rows.scan(fakeRow{values: []any{
		"m-1",
		[]byte(`{}`),
		"Failed",
		sql.NullInt64{Int64: 1, Valid: true},
		sql.NullTime{Time: next, Valid: true},
		baseTime,
		baseTime,
		sql.NullString{String: `{"Message":"boom"}`, Valid: true},
		"token",
		"event",
		"orders.created",
	}})
	require.NoError(t, err)

	assert.Equal(t, delivery.StatusFailed, scanned.Status)
	assert.Equal(t, 1, scanned.Retries())
	require.NotNil(t, scanned.NextRetryAfter)
	assert.Equal(t, next, *scanned.NextRetryAfter)
	require.NotNil(t, scanned.LastError)
	assert.Equal(t, "token", scanned.ConcurrencyToken)
	assert.Equal(t, "orders.created", scanned.RoutingKey)
	assert.Equal(t, "event", scanned.PayloadType)
}

func TestScan_RejectsUnknownStatus(t *testing.T) {
	store := newTestOutboxStore(t)

	_, err := store.rows.scan(fakeRow{values: []any{
		"m-1", []byte(`{}`), "Lost", sql.NullInt64{}, sql.NullTime{}, baseTime, baseTime, sql.NullString{}, "token", "", "k",
	}})
	assert.ErrorIs(t, err, delivery.ErrInvalidStatus)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(sql.ErrNoRows))
}

func TestSanitizeSensitiveError(t *testing.T) {
	err := fmt.Errorf("dial postgres://user:secret@db:5432/app password=hunter2 failed")

	sanitized := sanitizeSensitiveError(err)
	assert.NotContains(t, sanitized, "secret")
	assert.NotContains(t, sanitized, "hunter2")
	assert.Contains(t, sanitized, "://***@")
}

func TestSession_CloseWithoutTransaction(t *testing.T) {
	session := &Session{}

	require.NoError(t, session.SaveChanges(t.Context()))
	require.NoError(t, session.Close(t.Context()))
	assert.False(t, session.IsPseudoTransaction())

	_, err := session.transaction(t.Context())
	assert.ErrorIs(t, err, ErrSessionClosed)
}
