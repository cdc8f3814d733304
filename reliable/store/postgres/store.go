package postgres

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/inbox"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
)

const (
	DefaultOutboxTable = "outbox_messages"
	DefaultInboxTable  = "inbox_messages"

	// inboxConsumeColumn holds an inbox row's LastConsumeAt.
	inboxConsumeColumn = "last_consume_at"
)

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	tableName string
}

// WithTableName overrides the table, optionally schema-qualified. Custom
// tables are not created by the embedded migrations.
func WithTableName(name string) Option {
	return func(o *storeOptions) {
		if name != "" {
			o.tableName = name
		}
	}
}

func resolveTableName(defaultName string, opts []Option) (string, error) {
	options := storeOptions{tableName: defaultName}

	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	return tableName(options.tableName)
}

// OutboxStore is the PostgreSQL outbox.Store.
type OutboxStore struct {
	rows *table[*outbox.Message]
}

var _ outbox.Store = (*OutboxStore)(nil)

// NewOutboxStore returns an outbox store writing through backend.
func NewOutboxStore(backend *Backend, opts ...Option) (*OutboxStore, error) {
	if backend == nil {
		return nil, ErrConnectionRequired
	}

	name, err := resolveTableName(DefaultOutboxTable, opts)
	if err != nil {
		return nil, err
	}

	return &OutboxStore{rows: &table[*outbox.Message]{
		backend: backend,
		name:    name,
		extra:   []string{"payload_type", "routing_key"},
		state:   func(m *outbox.Message) *delivery.State { return &m.State },
		values: func(m *outbox.Message) []any {
			return []any{m.PayloadType, m.RoutingKey}
		},
		alloc: func() (*outbox.Message, []any) {
			m := &outbox.Message{}

			return m, []any{&m.PayloadType, &m.RoutingKey}
		},
	}}, nil
}

func (s *OutboxStore) Get(ctx context.Context, id string) (*outbox.Message, error) {
	return s.rows.get(ctx, id)
}

func (s *OutboxStore) Create(ctx context.Context, msg *outbox.Message) error {
	return s.rows.create(ctx, msg)
}

func (s *OutboxStore) Update(ctx context.Context, msg *outbox.Message) error {
	return s.rows.update(ctx, msg)
}

func (s *OutboxStore) ListClaimable(ctx context.Context, now time.Time, policy delivery.ClaimPolicy, limit int) ([]*outbox.Message, error) {
	return s.rows.listClaimable(ctx, now, policy, limit)
}

func (s *OutboxStore) CountByStatus(ctx context.Context, status delivery.Status) (int64, error) {
	return s.rows.countByStatus(ctx, status)
}

func (s *OutboxStore) ListIDsBeyondProcessedCap(ctx context.Context, keep int64, limit int) ([]string, error) {
	return s.rows.listIDs(ctx, s.rows.beyondProcessedCapQuery(keep, limit))
}

func (s *OutboxStore) ListExpiredIDs(ctx context.Context, processedBefore, failedBefore time.Time, limit int) ([]string, error) {
	return s.rows.listIDs(ctx, s.rows.expiredQuery(processedBefore, failedBefore, limit))
}

func (s *OutboxStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	return s.rows.deleteByIDs(ctx, ids)
}

// InboxStore is the PostgreSQL inbox.Store.
type InboxStore struct {
	rows *table[*inbox.Message]
}

var _ inbox.Store = (*InboxStore)(nil)

// NewInboxStore returns an inbox store writing through backend.
func NewInboxStore(backend *Backend, opts ...Option) (*InboxStore, error) {
	if backend == nil {
		return nil, ErrConnectionRequired
	}

	name, err := resolveTableName(DefaultInboxTable, opts)
	if err != nil {
		return nil, err
	}

	return &InboxStore{rows: &table[*inbox.Message]{
		backend: backend,
		name:    name,
		attempt: inboxConsumeColumn,
		extra:   []string{"consumer_key"},
		state:   func(m *inbox.Message) *delivery.State { return &m.State },
		values: func(m *inbox.Message) []any {
			return []any{m.ConsumerKey}
		},
		alloc: func() (*inbox.Message, []any) {
			m := &inbox.Message{}

			return m, []any{&m.ConsumerKey}
		},
	}}, nil
}

func (s *InboxStore) Get(ctx context.Context, id string) (*inbox.Message, error) {
	return s.rows.get(ctx, id)
}

func (s *InboxStore) Create(ctx context.Context, msg *inbox.Message) error {
	return s.rows.create(ctx, msg)
}

func (s *InboxStore) Update(ctx context.Context, msg *inbox.Message) error {
	return s.rows.update(ctx, msg)
}

func (s *InboxStore) Delete(ctx context.Context, id string) error {
	return s.rows.delete(ctx, id)
}

func (s *InboxStore) ListClaimable(ctx context.Context, now time.Time, policy delivery.ClaimPolicy, limit int) ([]*inbox.Message, error) {
	return s.rows.listClaimable(ctx, now, policy, limit)
}

func (s *InboxStore) CountByStatus(ctx context.Context, status delivery.Status) (int64, error) {
	return s.rows.countByStatus(ctx, status)
}

func (s *InboxStore) ListIDsBeyondProcessedCap(ctx context.Context, keep int64, limit int) ([]string, error) {
	return s.rows.listIDs(ctx, s.rows.beyondProcessedCapQuery(keep, limit))
}

func (s *InboxStore) ListExpiredIDs(ctx context.Context, processedBefore, failedBefore time.Time, limit int) ([]string, error) {
	return s.rows.listIDs(ctx, s.rows.expiredQuery(processedBefore, failedBefore, limit))
}

func (s *InboxStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	return s.rows.deleteByIDs(ctx, ids)
}
