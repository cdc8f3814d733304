package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// document is the stored form of both outbox and inbox rows. Kind-specific
// fields are left empty by the other kind.
type document struct {
	ID               string     `bson:"_id"`
	Payload          []byte     `bson:"payload"`
	Status           string     `bson:"status"`
	RetryCount       *int       `bson:"retry_count"`
	NextRetryAfter   *time.Time `bson:"next_retry_after"`
	CreatedAt        time.Time  `bson:"created_at"`
	LastAttemptAt    time.Time  `bson:"last_attempt_at"` // inbox rows store LastConsumeAt here
	LastError        *string    `bson:"last_error"`
	ConcurrencyToken string     `bson:"concurrency_token"`
	PayloadType      string     `bson:"payload_type,omitempty"`
	RoutingKey       string     `bson:"routing_key,omitempty"`
	ConsumerKey      string     `bson:"consumer_key,omitempty"`
}

type idDocument struct {
	ID string `bson:"_id"`
}

func documentFromState(st *delivery.State) document {
	payload := st.Payload
	if payload == nil {
		payload = []byte{}
	}

	return document{
		ID:               st.ID,
		Payload:          payload,
		Status:           st.Status.String(),
		RetryCount:       st.RetryCount,
		NextRetryAfter:   st.NextRetryAfter,
		CreatedAt:        st.CreatedAt,
		LastAttemptAt:    st.LastAttemptAt,
		LastError:        st.LastError,
		ConcurrencyToken: st.ConcurrencyToken,
	}
}

func (d document) state() (delivery.State, error) {
	status, err := delivery.ParseStatus(d.Status)
	if err != nil {
		return delivery.State{}, err
	}

	st := delivery.State{
		ID:               d.ID,
		Payload:          d.Payload,
		Status:           status,
		RetryCount:       d.RetryCount,
		CreatedAt:        d.CreatedAt.UTC(),
		LastAttemptAt:    d.LastAttemptAt.UTC(),
		LastError:        d.LastError,
		ConcurrencyToken: d.ConcurrencyToken,
	}

	if d.NextRetryAfter != nil {
		next := d.NextRetryAfter.UTC()
		st.NextRetryAfter = &next
	}

	return st, nil
}

// setFields lists every mutable field for a $set.
func (d document) setFields(token string) bson.D {
	return bson.D{
		{Key: "payload", Value: d.Payload},
		{Key: "status", Value: d.Status},
		{Key: "retry_count", Value: d.RetryCount},
		{Key: "next_retry_after", Value: d.NextRetryAfter},
		{Key: "last_attempt_at", Value: d.LastAttemptAt},
		{Key: "last_error", Value: d.LastError},
		{Key: "concurrency_token", Value: token},
		{Key: "payload_type", Value: d.PayloadType},
		{Key: "routing_key", Value: d.RoutingKey},
		{Key: "consumer_key", Value: d.ConsumerKey},
	}
}

func claimableFilter(now time.Time, policy delivery.ClaimPolicy) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "status", Value: delivery.StatusNew.String()}},
		bson.D{
			{Key: "status", Value: delivery.StatusFailed.String()},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "next_retry_after", Value: nil}},
				bson.D{{Key: "next_retry_after", Value: bson.D{{Key: "$lte", Value: now}}}},
			}},
		},
		bson.D{
			{Key: "status", Value: delivery.StatusProcessing.String()},
			{Key: "last_attempt_at", Value: bson.D{{Key: "$lte", Value: policy.ProcessingBefore(now)}}},
		},
	}}}
}

func expiredFilter(processedBefore, failedBefore time.Time) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{
			{Key: "status", Value: delivery.StatusProcessed.String()},
			{Key: "last_attempt_at", Value: bson.D{{Key: "$lt", Value: processedBefore}}},
		},
		bson.D{
			{Key: "status", Value: delivery.StatusFailed.String()},
			{Key: "last_attempt_at", Value: bson.D{{Key: "$lt", Value: failedBefore}}},
		},
	}}}
}

var (
	oldestFirst = bson.D{{Key: "last_attempt_at", Value: 1}, {Key: "_id", Value: 1}}
	newestFirst = bson.D{{Key: "last_attempt_at", Value: -1}, {Key: "_id", Value: 1}}
)

// claimIndex serves the claim and cleanup queries.
var claimIndex = mongo.IndexModel{
	Keys:    bson.D{{Key: "status", Value: 1}, {Key: "last_attempt_at", Value: 1}},
	Options: options.Index().SetName("status_last_attempt_at"),
}

// collection maps one message kind onto a Mongo collection.
type collection[M any] struct {
	client *Client
	name   string
	encode func(M) document
	decode func(document) (M, error)
	state  func(M) *delivery.State
}

func (c *collection[M]) handle() (*mongo.Collection, error) {
	return c.client.Collection(c.name)
}

func (c *collection[M]) ensureIndexes(ctx context.Context) error {
	return c.client.EnsureIndexes(ctx, c.name, claimIndex)
}

func (c *collection[M]) get(ctx context.Context, id string) (M, error) {
	var zero M

	coll, err := c.handle()
	if err != nil {
		return zero, err
	}

	var doc document

	err = coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return zero, fmt.Errorf("%w: %s", delivery.ErrNotFound, id)
	}

	if err != nil {
		return zero, fmt.Errorf("failed to load message %s: %w", id, err)
	}

	return c.decode(doc)
}

func (c *collection[M]) create(ctx context.Context, msg M) error {
	st := c.state(msg)
	if st.ID == "" {
		return delivery.ErrIDRequired
	}

	if st.ConcurrencyToken == "" {
		st.ConcurrencyToken = delivery.NewConcurrencyToken()
	}

	coll, err := c.handle()
	if err != nil {
		return err
	}

	if _, err := coll.InsertOne(ctx, c.encode(msg)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", delivery.ErrAlreadyExists, st.ID)
		}

		return fmt.Errorf("failed to insert message %s: %w", st.ID, err)
	}

	return nil
}

func (c *collection[M]) update(ctx context.Context, msg M) error {
	st := c.state(msg)
	next := delivery.NewConcurrencyToken()

	coll, err := c.handle()
	if err != nil {
		return err
	}

	filter := bson.D{{Key: "_id", Value: st.ID}, {Key: "concurrency_token", Value: st.ConcurrencyToken}}
	update := bson.D{{Key: "$set", Value: c.encode(msg).setFields(next)}}

	result, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", st.ID, err)
	}

	if result.MatchedCount == 0 {
		count, err := coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: st.ID}})
		if err != nil {
			return fmt.Errorf("failed to check message %s: %w", st.ID, err)
		}

		if count == 0 {
			return fmt.Errorf("%w: %s", delivery.ErrNotFound, st.ID)
		}

		return fmt.Errorf("%w: %s", delivery.ErrConcurrencyConflict, st.ID)
	}

	st.ConcurrencyToken = next

	return nil
}

func (c *collection[M]) delete(ctx context.Context, id string) error {
	coll, err := c.handle()
	if err != nil {
		return err
	}

	result, err := coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}

	if result.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", delivery.ErrNotFound, id)
	}

	return nil
}

func (c *collection[M]) deleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	coll, err := c.handle()
	if err != nil {
		return 0, err
	}

	result, err := coll.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}

	return result.DeletedCount, nil
}

func (c *collection[M]) listClaimable(ctx context.Context, now time.Time, policy delivery.ClaimPolicy, limit int) ([]M, error) {
	coll, err := c.handle()
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(oldestFirst).SetLimit(int64(max(limit, 1)))

	cursor, err := coll.Find(ctx, claimableFilter(now, policy), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable messages: %w", err)
	}

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode claimable messages: %w", err)
	}

	claimable := make([]M, 0, len(docs))

	for _, doc := range docs {
		msg, err := c.decode(doc)
		if err != nil {
			return nil, err
		}

		claimable = append(claimable, msg)
	}

	return claimable, nil
}

func (c *collection[M]) countByStatus(ctx context.Context, status delivery.Status) (int64, error) {
	coll, err := c.handle()
	if err != nil {
		return 0, err
	}

	count, err := coll.CountDocuments(ctx, bson.D{{Key: "status", Value: status.String()}})
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}

	return count, nil
}

func (c *collection[M]) listIDs(ctx context.Context, filter bson.D, opts *options.FindOptions) ([]string, error) {
	coll, err := c.handle()
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, filter, opts.SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query message ids: %w", err)
	}

	var docs []idDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode message ids: %w", err)
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}

	return ids, nil
}

func (c *collection[M]) listIDsBeyondProcessedCap(ctx context.Context, keep int64, limit int) ([]string, error) {
	opts := options.Find().
		SetSort(newestFirst).
		SetSkip(max(keep, 0)).
		SetLimit(int64(max(limit, 1)))

	return c.listIDs(ctx, bson.D{{Key: "status", Value: delivery.StatusProcessed.String()}}, opts)
}

func (c *collection[M]) listExpiredIDs(ctx context.Context, processedBefore, failedBefore time.Time, limit int) ([]string, error) {
	opts := options.Find().SetSort(oldestFirst).SetLimit(int64(max(limit, 1)))

	return c.listIDs(ctx, expiredFilter(processedBefore, failedBefore), opts)
}
