package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	maxSQLIdentifierLength = 63
	uniqueViolationCode    = "23505"

	// defaultAttemptColumn stores delivery.State.LastAttemptAt.
	defaultAttemptColumn = "last_attempt_at"
)

var (
	psql              = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	stateColumns = []string{
		"id",
		"payload",
		"status",
		"retry_count",
		"next_retry_after",
		"created_at",
		defaultAttemptColumn,
		"last_error",
		"concurrency_token",
	}
)

type scanner interface {
	Scan(dest ...any) error
}

// table maps one message kind onto a SQL table. The delivery.State
// columns are shared; extra holds the kind-specific ones. attempt names
// the column of LastAttemptAt when the kind stores it under its own name.
type table[M any] struct {
	backend *Backend
	name    string
	attempt string
	extra   []string
	state   func(M) *delivery.State
	values  func(M) []any
	alloc   func() (M, []any)
}

func (t *table[M]) attemptColumn() string {
	if t.attempt == "" {
		return defaultAttemptColumn
	}

	return t.attempt
}

func (t *table[M]) columns() []string {
	columns := make([]string, 0, len(stateColumns)+len(t.extra))

	for _, column := range stateColumns {
		if column == defaultAttemptColumn {
			column = t.attemptColumn()
		}

		columns = append(columns, column)
	}

	return append(columns, t.extra...)
}

func (t *table[M]) scan(row scanner) (M, error) {
	msg, extra := t.alloc()
	st := t.state(msg)

	var (
		status     string
		retryCount sql.NullInt64
		nextRetry  sql.NullTime
		lastError  sql.NullString
	)

	dests := append([]any{
		&st.ID,
		&st.Payload,
		&status,
		&retryCount,
		&nextRetry,
		&st.CreatedAt,
		&st.LastAttemptAt,
		&lastError,
		&st.ConcurrencyToken,
	}, extra...)

	if err := row.Scan(dests...); err != nil {
		var zero M

		return zero, err
	}

	parsed, err := delivery.ParseStatus(status)
	if err != nil {
		var zero M

		return zero, err
	}

	st.Status = parsed
	st.CreatedAt = st.CreatedAt.UTC()
	st.LastAttemptAt = st.LastAttemptAt.UTC()

	if retryCount.Valid {
		retries := int(retryCount.Int64)
		st.RetryCount = &retries
	}

	if nextRetry.Valid {
		next := nextRetry.Time.UTC()
		st.NextRetryAfter = &next
	}

	if lastError.Valid {
		st.LastError = &lastError.String
	}

	return msg, nil
}

func (t *table[M]) rowValues(msg M) []any {
	st := t.state(msg)

	payload := st.Payload
	if payload == nil {
		payload = []byte{}
	}

	values := []any{
		st.ID,
		payload,
		st.Status.String(),
		nullableInt(st.RetryCount),
		nullableTime(st.NextRetryAfter),
		st.CreatedAt,
		st.LastAttemptAt,
		nullableString(st.LastError),
		st.ConcurrencyToken,
	}

	return append(values, t.values(msg)...)
}

func (t *table[M]) get(ctx context.Context, id string) (M, error) {
	var zero M

	query, args, err := psql.Select(t.columns()...).From(t.name).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return zero, fmt.Errorf("failed to build select query: %w", err)
	}

	db, release, err := t.backend.writer(ctx)
	if err != nil {
		return zero, err
	}
	defer release()

	msg, err := t.scan(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%w: %s", delivery.ErrNotFound, id)
	}

	if err != nil {
		return zero, fmt.Errorf("failed to load message %s: %w", id, err)
	}

	return msg, nil
}

func (t *table[M]) create(ctx context.Context, msg M) error {
	st := t.state(msg)
	if st.ID == "" {
		return delivery.ErrIDRequired
	}

	if st.ConcurrencyToken == "" {
		st.ConcurrencyToken = delivery.NewConcurrencyToken()
	}

	query, args, err := psql.Insert(t.name).Columns(t.columns()...).Values(t.rowValues(msg)...).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	db, release, err := t.backend.writer(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", delivery.ErrAlreadyExists, st.ID)
		}

		return fmt.Errorf("failed to insert message %s: %w", st.ID, err)
	}

	return nil
}

// update writes msg when the stored token still matches msg's, then moves
// msg to the fresh token.
func (t *table[M]) update(ctx context.Context, msg M) error {
	st := t.state(msg)
	next := delivery.NewConcurrencyToken()

	values := t.rowValues(msg)
	columns := t.columns()

	builder := psql.Update(t.name).Where(sq.Eq{"id": st.ID, "concurrency_token": st.ConcurrencyToken})

	for i, column := range columns {
		switch column {
		case "id", "created_at":
		case "concurrency_token":
			builder = builder.Set(column, next)
		default:
			builder = builder.Set(column, values[i])
		}
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	db, release, err := t.backend.writer(ctx)
	if err != nil {
		return err
	}
	defer release()

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", st.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return t.missingOrConflict(ctx, db, st.ID)
	}

	st.ConcurrencyToken = next

	return nil
}

func (t *table[M]) missingOrConflict(ctx context.Context, db executor, id string) error {
	query, args, err := psql.Select("1").From(t.name).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build exists query: %w", err)
	}

	var one int

	err = db.QueryRowContext(ctx, query, args...).Scan(&one)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", delivery.ErrNotFound, id)
	case err != nil:
		return fmt.Errorf("failed to check message %s: %w", id, err)
	default:
		return fmt.Errorf("%w: %s", delivery.ErrConcurrencyConflict, id)
	}
}

func (t *table[M]) delete(ctx context.Context, id string) error {
	query, args, err := psql.Delete(t.name).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}

	db, release, err := t.backend.writer(ctx)
	if err != nil {
		return err
	}
	defer release()

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", delivery.ErrNotFound, id)
	}

	return nil
}

func (t *table[M]) deleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := psql.Delete(t.name).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete query: %w", err)
	}

	db, release, err := t.backend.writer(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}

	return result.RowsAffected()
}

// claimableQuery selects due rows, least recently attempted first. Inside
// a transaction the rows are locked and rows locked by another claimer are
// skipped.
func (t *table[M]) claimableQuery(now time.Time, policy delivery.ClaimPolicy, limit int, lock bool) sq.SelectBuilder {
	builder := psql.Select(t.columns()...).
		From(t.name).
		Where(sq.Or{
			sq.Eq{"status": delivery.StatusNew.String()},
			sq.And{
				sq.Eq{"status": delivery.StatusFailed.String()},
				sq.Or{sq.Eq{"next_retry_after": nil}, sq.LtOrEq{"next_retry_after": now}},
			},
			sq.And{
				sq.Eq{"status": delivery.StatusProcessing.String()},
				sq.LtOrEq{t.attemptColumn(): policy.ProcessingBefore(now)},
			},
		}).
		OrderBy(t.attemptColumn()+" ASC", "id ASC").
		Limit(uint64(max(limit, 1)))

	if lock {
		builder = builder.Suffix("FOR UPDATE SKIP LOCKED")
	}

	return builder
}

func (t *table[M]) listClaimable(ctx context.Context, now time.Time, policy delivery.ClaimPolicy, limit int) ([]M, error) {
	db, release, err := t.backend.writer(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	_, inTx := db.(*sql.Tx)

	query, args, err := t.claimableQuery(now, policy, limit, inTx).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build claim query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable messages: %w", err)
	}
	defer rows.Close()

	claimable := make([]M, 0, limit)

	for rows.Next() {
		msg, err := t.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		claimable = append(claimable, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return claimable, nil
}

func (t *table[M]) countByStatus(ctx context.Context, status delivery.Status) (int64, error) {
	query, args, err := psql.Select("COUNT(*)").From(t.name).Where(sq.Eq{"status": status.String()}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	db, release, err := t.backend.reader(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var count int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}

	return count, nil
}

func (t *table[M]) beyondProcessedCapQuery(keep int64, limit int) sq.SelectBuilder {
	return psql.Select("id").
		From(t.name).
		Where(sq.Eq{"status": delivery.StatusProcessed.String()}).
		OrderBy(t.attemptColumn()+" DESC", "id ASC").
		Offset(uint64(max(keep, 0))).
		Limit(uint64(max(limit, 1)))
}

func (t *table[M]) expiredQuery(processedBefore, failedBefore time.Time, limit int) sq.SelectBuilder {
	return psql.Select("id").
		From(t.name).
		Where(sq.Or{
			sq.And{sq.Eq{"status": delivery.StatusProcessed.String()}, sq.Lt{t.attemptColumn(): processedBefore}},
			sq.And{sq.Eq{"status": delivery.StatusFailed.String()}, sq.Lt{t.attemptColumn(): failedBefore}},
		}).
		OrderBy(t.attemptColumn()+" ASC", "id ASC").
		Limit(uint64(max(limit, 1)))
}

func (t *table[M]) listIDs(ctx context.Context, builder sq.SelectBuilder) ([]string, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build id query: %w", err)
	}

	db, release, err := t.backend.reader(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query message ids: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message ids: %w", err)
	}

	return ids, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}

	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}

	return *value
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}

	return *value
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength || !identifierPattern.MatchString(identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	return nil
}

// tableName validates a possibly schema-qualified name and quotes it.
func tableName(path string) (string, error) {
	parts := strings.Split(strings.TrimSpace(path), ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if err := validateIdentifier(part); err != nil {
			return "", err
		}

		quoted = append(quoted, `"`+part+`"`)
	}

	return strings.Join(quoted, "."), nil
}
