package delivery

import (
	"fmt"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/backoff"
	"github.com/google/uuid"
)

// DefaultRetryUnit is the base unit of the failed-row retry schedule.
const DefaultRetryUnit = 60 * time.Second

// DefaultMaxProcessing is how long a Processing row may go untouched before
// another instance may reclaim it.
const DefaultMaxProcessing = 10 * time.Minute

// State is the lifecycle part shared by outbox and inbox rows.
type State struct {
	ID      string
	Payload []byte
	Status  Status
	// RetryCount is nil until the row records its first outcome.
	RetryCount     *int
	NextRetryAfter *time.Time
	CreatedAt      time.Time
	// LastAttemptAt is stamped by every claim and every outcome.
	LastAttemptAt time.Time
	LastError     *string
	// ConcurrencyToken changes on every write.
	ConcurrencyToken string
}

// NewState returns a row state for id created at now. A non-nil failure
// creates the row directly as Failed with one retry recorded.
func NewState(id string, payload []byte, status Status, now time.Time, retryUnit time.Duration, failure error) (State, error) {
	if id == "" {
		return State{}, ErrIDRequired
	}

	if len(id) > IDMaxLength {
		return State{}, fmt.Errorf("%w: %d > %d", ErrIDTooLong, len(id), IDMaxLength)
	}

	retryCount := 0

	state := State{
		ID:               id,
		Payload:          payload,
		Status:           status,
		RetryCount:       &retryCount,
		CreatedAt:        now,
		LastAttemptAt:    now,
		ConcurrencyToken: NewConcurrencyToken(),
	}

	if failure != nil {
		state.MarkFailed(failure, retryUnit, now)
	}

	return state, nil
}

// NewConcurrencyToken returns a fresh opaque version marker.
func NewConcurrencyToken() string {
	return uuid.NewString()
}

// Retries returns the retry count, treating nil as zero.
func (s *State) Retries() int {
	if s.RetryCount == nil {
		return 0
	}

	return *s.RetryCount
}

// MarkProcessing claims the row at now.
func (s *State) MarkProcessing(now time.Time) {
	s.Status = StatusProcessing
	s.LastAttemptAt = now
	s.NextRetryAfter = nil
}

// MarkProcessed records a successful outcome at now.
func (s *State) MarkProcessed(now time.Time) {
	s.Status = StatusProcessed
	s.LastAttemptAt = now
	s.NextRetryAfter = nil
	s.LastError = nil
}

// MarkFailed records a failed outcome: the retry count is incremented and
// the next retry is scheduled at now + unit * 2^RetryCount.
func (s *State) MarkFailed(err error, unit time.Duration, now time.Time) {
	retries := s.Retries() + 1
	next := NextRetryAfter(now, unit, retries)
	failure := SerializeFailure(err)

	s.Status = StatusFailed
	s.RetryCount = &retries
	s.NextRetryAfter = &next
	s.LastAttemptAt = now
	s.LastError = &failure
}

// Transition validates and applies a status change.
func (s *State) Transition(next Status) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}

	s.Status = next

	return nil
}

// NextRetryAfter returns now + unit * 2^retryCount. A non-positive unit
// falls back to DefaultRetryUnit.
func NextRetryAfter(now time.Time, unit time.Duration, retryCount int) time.Time {
	if unit <= 0 {
		unit = DefaultRetryUnit
	}

	return now.Add(backoff.Exponential(unit, retryCount))
}

// ClaimPolicy holds the parameters of the claim predicate.
type ClaimPolicy struct {
	MaxProcessing time.Duration
}

func (p ClaimPolicy) maxProcessing() time.Duration {
	if p.MaxProcessing <= 0 {
		return DefaultMaxProcessing
	}

	return p.MaxProcessing
}

// ProcessingBefore returns the LastAttemptAt cutoff at or below which a
// Processing row is considered abandoned.
func (p ClaimPolicy) ProcessingBefore(now time.Time) time.Time {
	return now.Add(-p.maxProcessing())
}

// IsClaimable reports whether a poller may claim s at now: the row is New,
// or Failed and due, or Processing and abandoned.
func (p ClaimPolicy) IsClaimable(s State, now time.Time) bool {
	switch s.Status {
	case StatusNew:
		return true
	case StatusFailed:
		return s.NextRetryAfter == nil || !s.NextRetryAfter.After(now)
	case StatusProcessing:
		return !s.LastAttemptAt.After(p.ProcessingBefore(now))
	default:
		return false
	}
}
