package outbox

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
)

// Store persists outbox rows. Implementations join the active unit of
// work found in ctx, when they support transactions.
type Store interface {
	// Get returns delivery.ErrNotFound when no row has id.
	Get(ctx context.Context, id string) (*Message, error)
	// Create returns delivery.ErrAlreadyExists when a row with the same id
	// exists.
	Create(ctx context.Context, msg *Message) error
	// Update writes msg if the stored concurrency token equals
	// msg.ConcurrencyToken and then assigns msg a fresh token. A mismatch
	// yields delivery.ErrConcurrencyConflict.
	Update(ctx context.Context, msg *Message) error
	// ListClaimable returns up to limit rows matching the claim predicate
	// at now, least recently attempted first.
	ListClaimable(ctx context.Context, now time.Time, policy delivery.ClaimPolicy, limit int) ([]*Message, error)

	delivery.CleanupStore
}
