package memory

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/inbox"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
)

// OutboxStore is an in-memory outbox.Store.
type OutboxStore struct {
	rows *table[*outbox.Message]
}

var _ outbox.Store = (*OutboxStore)(nil)

// NewOutboxStore returns an empty outbox table on backend.
func NewOutboxStore(backend *Backend) *OutboxStore {
	return &OutboxStore{rows: newTable(backend,
		func(m *outbox.Message) *delivery.State { return &m.State },
		(*outbox.Message).Clone,
	)}
}

func (s *OutboxStore) Get(_ context.Context, id string) (*outbox.Message, error) {
	return s.rows.get(id)
}

func (s *OutboxStore) Create(ctx context.Context, msg *outbox.Message) error {
	return s.rows.create(ctx, msg)
}

func (s *OutboxStore) Update(ctx context.Context, msg *outbox.Message) error {
	return s.rows.update(ctx, msg)
}

func (s *OutboxStore) ListClaimable(_ context.Context, now time.Time, policy delivery.ClaimPolicy, limit int) ([]*outbox.Message, error) {
	return s.rows.listClaimable(now, policy, limit), nil
}

func (s *OutboxStore) CountByStatus(_ context.Context, status delivery.Status) (int64, error) {
	return s.rows.countByStatus(status), nil
}

func (s *OutboxStore) ListIDsBeyondProcessedCap(_ context.Context, keep int64, limit int) ([]string, error) {
	return s.rows.listIDsBeyondProcessedCap(keep, limit), nil
}

func (s *OutboxStore) ListExpiredIDs(_ context.Context, processedBefore, failedBefore time.Time, limit int) ([]string, error) {
	return s.rows.listExpiredIDs(processedBefore, failedBefore, limit), nil
}

func (s *OutboxStore) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	return s.rows.deleteByIDs(ids)
}

// Len returns the number of committed rows.
func (s *OutboxStore) Len() int {
	return s.rows.len()
}

// InboxStore is an in-memory inbox.Store.
type InboxStore struct {
	rows *table[*inbox.Message]
}

var _ inbox.Store = (*InboxStore)(nil)

// NewInboxStore returns an empty inbox table on backend.
func NewInboxStore(backend *Backend) *InboxStore {
	return &InboxStore{rows: newTable(backend,
		func(m *inbox.Message) *delivery.State { return &m.State },
		(*inbox.Message).Clone,
	)}
}

func (s *InboxStore) Get(_ context.Context, id string) (*inbox.Message, error) {
	return s.rows.get(id)
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

func (s *InboxStore) ListClaimable(_ context.Context, now time.Time, policy delivery.ClaimPolicy, limit int) ([]*inbox.Message, error) {
	return s.rows.listClaimable(now, policy, limit), nil
}

func (s *InboxStore) CountByStatus(_ context.Context, status delivery.Status) (int64, error) {
	return s.rows.countByStatus(status), nil
}

func (s *InboxStore) ListIDsBeyondProcessedCap(_ context.Context, keep int64, limit int) ([]string, error) {
	return s.rows.listIDsBeyondProcessedCap(keep, limit), nil
}

func (s *InboxStore) ListExpiredIDs(_ context.Context, processedBefore, failedBefore time.Time, limit int) ([]string, error) {
	return s.rows.listExpiredIDs(processedBefore, failedBefore, limit), nil
}

func (s *InboxStore) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	return s.rows.deleteByIDs(ids)
}

// Len returns the number of committed rows.
func (s *InboxStore) Len() int {
	return s.rows.len()
}
