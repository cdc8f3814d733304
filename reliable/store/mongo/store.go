package mongo

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/inbox"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
)

const (
	DefaultOutboxCollection = "outbox_messages"
	DefaultInboxCollection  = "inbox_messages"
)

// StoreOption configures a store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	collection string
}

// WithCollection overrides the collection name.
func WithCollection(name string) StoreOption {
	return func(o *storeOptions) {
		if name != "" {
			o.collection = name
		}
	}
}

func resolveCollection(defaultName string, opts []StoreOption) string {
	options := storeOptions{collection: defaultName}

	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	return options.collection
}

// OutboxStore is the MongoDB outbox.Store.
type OutboxStore struct {
	docs *collection[*outbox.Message]
}

var _ outbox.Store = (*OutboxStore)(nil)

func NewOutboxStore(client *Client, opts ...StoreOption) (*OutboxStore, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	return &OutboxStore{docs: &collection[*outbox.Message]{
		client: client,
		name:   resolveCollection(DefaultOutboxCollection, opts),
		state:  func(m *outbox.Message) *delivery.State { return &m.State },
		encode: encodeOutbox,
		decode: decodeOutbox,
	}}, nil
}

func encodeOutbox(m *outbox.Message) document {
	doc := documentFromState(&m.State)
	doc.PayloadType = m.PayloadType
	doc.RoutingKey = m.RoutingKey

	return doc
}

func decodeOutbox(doc document) (*outbox.Message, error) {
	st, err := doc.state()
	if err != nil {
		return nil, err
	}

	return &outbox.Message{State: st, PayloadType: doc.PayloadType, RoutingKey: doc.RoutingKey}, nil
}

// EnsureIndexes creates the index used by claims and cleanup.
func (s *OutboxStore) EnsureIndexes(ctx context.Context) error {
	return s.docs.ensureIndexes(ctx)
}

func (s *OutboxStore) Get(ctx context.Context, id string) (*outbox.Message, error) {
	return s.docs.get(ctx, id)
}

func (s *OutboxStore) Create(ctx context.Context, msg *outbox.Message) error {
	return s.docs.create(ctx, msg)
}

func (s *OutboxStore) Update(ctx context.Context, msg *outbox.Message) error {
	return s.docs.update(ctx, msg)
}

func (s *OutboxStore) ListClaimable(ctx context.Context, now time.Time, policy delivery.ClaimPolicy, limit int) ([]*outbox.Message, error) {
	return s.docs.listClaimable(ctx, now, policy, limit)
}

func (s *OutboxStore) CountByStatus(ctx context.Context, status delivery.Status) (int64, error) {
	return s.docs.countByStatus(ctx, status)
}

func (s *OutboxStore) ListIDsBeyondProcessedCap(ctx context.Context, keep int64, limit int) ([]string, error) {
	return s.docs.listIDsBeyondProcessedCap(ctx, keep, limit)
}

func (s *OutboxStore) ListExpiredIDs(ctx context.Context, processedBefore, failedBefore time.Time, limit int) ([]string, error) {
	return s.docs.listExpiredIDs(ctx, processedBefore, failedBefore, limit)
}

func (s *OutboxStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	return s.docs.deleteByIDs(ctx, ids)
}

// InboxStore is the MongoDB inbox.Store.
type InboxStore struct {
	docs *collection[*inbox.Message]
}

var _ inbox.Store = (*InboxStore)(nil)

func NewInboxStore(client *Client, opts ...StoreOption) (*InboxStore, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	return &InboxStore{docs: &collection[*inbox.Message]{
		client: client,
		name:   resolveCollection(DefaultInboxCollection, opts),
		state:  func(m *inbox.Message) *delivery.State { return &m.State },
		encode: encodeInbox,
		decode: decodeInbox,
	}}, nil
}

func encodeInbox(m *inbox.Message) document {
	doc := documentFromState(&m.State)
	doc.ConsumerKey = m.ConsumerKey

	return doc
}

func decodeInbox(doc document) (*inbox.Message, error) {
	st, err := doc.state()
	if err != nil {
		return nil, err
	}

	return &inbox.Message{State: st, ConsumerKey: doc.ConsumerKey}, nil
}

// EnsureIndexes creates the index used by claims and cleanup.
func (s *InboxStore) EnsureIndexes(ctx context.Context) error {
	return s.docs.ensureIndexes(ctx)
}

func (s *InboxStore) Get(ctx context.Context, id string) (*inbox.Message, error) {
	return s.docs.get(ctx, id)
}

func (s *InboxStore) Create(ctx context.Context, msg *inbox.Message) error {
	return s.docs.create(ctx, msg)
}

func (s *InboxStore) Update(ctx context.Context, msg *inbox.Message) error {
	return s.docs.update(ctx, msg)
}

func (s *InboxStore) Delete(ctx context.Context, id string) error {
	return s.docs.delete(ctx, id)
}

func (s *InboxStore) ListClaimable(ctx context.Context, now time.Time, policy delivery.ClaimPolicy, limit int) ([]*inbox.Message, error) {
	return s.docs.listClaimable(ctx, now, policy, limit)
}

func (s *InboxStore) CountByStatus(ctx context.Context, status delivery.Status) (int64, error) {
	return s.docs.countByStatus(ctx, status)
}

func (s *InboxStore) ListIDsBeyondProcessedCap(ctx context.Context, keep int64, limit int) ([]string, error) {
	return s.docs.listIDsBeyondProcessedCap(ctx, keep, limit)
}

func (s *InboxStore) ListExpiredIDs(ctx context.Context, processedBefore, failedBefore time.Time, limit int) ([]string, error) {
	return s.docs.listExpiredIDs(ctx, processedBefore, failedBefore, limit)
}

func (s *InboxStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	return s.docs.deleteByIDs(ctx, ids)
}
