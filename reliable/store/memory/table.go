package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
)

// table holds the rows of one message kind. Rows are cloned on the way in
// and on the way out, so callers never share memory with the table.
type table[M any] struct {
	backend *Backend
	rows    map[string]M
	state   func(M) *delivery.State
	clone   func(M) M
}

func newTable[M any](backend *Backend, state func(M) *delivery.State, clone func(M) M) *table[M] {
	return &table[M]{
		backend: backend,
		rows:    make(map[string]M),
		state:   state,
		clone:   clone,
	}
}

func (t *table[M]) get(id string) (M, error) {
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()

	row, ok := t.rows[id]
	if !ok {
		var zero M

		return zero, fmt.Errorf("%w: %s", delivery.ErrNotFound, id)
	}

	return t.clone(row), nil
}

func (t *table[M]) create(ctx context.Context, row M) error {
	st := t.state(row)
	if st.ID == "" {
		return delivery.ErrIDRequired
	}

	if st.ConcurrencyToken == "" {
		st.ConcurrencyToken = delivery.NewConcurrencyToken()
	}

	id := st.ID
	stored := t.clone(row)

	return t.backend.write(ctx, func() (func(), error) {
		if _, exists := t.rows[id]; exists {
			return nil, fmt.Errorf("%w: %s", delivery.ErrAlreadyExists, id)
		}

		t.rows[id] = stored

		return func() { delete(t.rows, id) }, nil
	})
}

func (t *table[M]) update(ctx context.Context, row M) error {
	st := t.state(row)
	id := st.ID
	expected := st.ConcurrencyToken
	next := delivery.NewConcurrencyToken()

	stored := t.clone(row)
	t.state(stored).ConcurrencyToken = next

	err := t.backend.write(ctx, func() (func(), error) {
		current, exists := t.rows[id]
		if !exists {
			return nil, fmt.Errorf("%w: %s", delivery.ErrNotFound, id)
		}

		if t.state(current).ConcurrencyToken != expected {
			return nil, fmt.Errorf("%w: %s", delivery.ErrConcurrencyConflict, id)
		}

		t.rows[id] = stored

		return func() { t.rows[id] = current }, nil
	})
	if err != nil {
		return err
	}

	st.ConcurrencyToken = next

	return nil
}

func (t *table[M]) delete(ctx context.Context, id string) error {
	return t.backend.write(ctx, func() (func(), error) {
		current, exists := t.rows[id]
		if !exists {
			return nil, fmt.Errorf("%w: %s", delivery.ErrNotFound, id)
		}

		delete(t.rows, id)

		return func() { t.rows[id] = current }, nil
	})
}

func (t *table[M]) deleteByIDs(ids []string) (int64, error) {
	var deleted int64

	err := t.backend.apply(func() (func(), error) {
		for _, id := range ids {
			if _, exists := t.rows[id]; exists {
				delete(t.rows, id)
				deleted++
			}
		}

		return func() {}, nil
	})

	return deleted, err
}

// listClaimable returns claimable rows, least recently attempted first.
func (t *table[M]) listClaimable(now time.Time, policy delivery.ClaimPolicy, limit int) []M {
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()

	matches := make([]M, 0)

	for _, row := range t.rows {
		if policy.IsClaimable(*t.state(row), now) {
			matches = append(matches, row)
		}
	}

	t.sortByLastAttempt(matches, true)

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	claimable := make([]M, 0, len(matches))
	for _, row := range matches {
		claimable = append(claimable, t.clone(row))
	}

	return claimable
}

func (t *table[M]) countByStatus(status delivery.Status) int64 {
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()

	var count int64

	for _, row := range t.rows {
		if t.state(row).Status == status {
			count++
		}
	}

	return count
}

func (t *table[M]) listIDsBeyondProcessedCap(keep int64, limit int) []string {
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()

	processed := make([]M, 0)

	for _, row := range t.rows {
		if t.state(row).Status == delivery.StatusProcessed {
			processed = append(processed, row)
		}
	}

	t.sortByLastAttempt(processed, false)

	return t.pageIDs(processed, int(keep), limit)
}

func (t *table[M]) listExpiredIDs(processedBefore, failedBefore time.Time, limit int) []string {
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()

	expired := make([]M, 0)

	for _, row := range t.rows {
		st := t.state(row)

		switch {
		case st.Status == delivery.StatusProcessed && st.LastAttemptAt.Before(processedBefore),
			st.Status == delivery.StatusFailed && st.LastAttemptAt.Before(failedBefore):
			expired = append(expired, row)
		}
	}

	t.sortByLastAttempt(expired, true)

	return t.pageIDs(expired, 0, limit)
}

func (t *table[M]) pageIDs(rows []M, offset, limit int) []string {
	ids := make([]string, 0, limit)

	for i := offset; i < len(rows) && len(ids) < limit; i++ {
		ids = append(ids, t.state(rows[i]).ID)
	}

	return ids
}

func (t *table[M]) sortByLastAttempt(rows []M, ascending bool) {
	sort.Slice(rows, func(i, j int) bool {
		left, right := t.state(rows[i]), t.state(rows[j])

		if !left.LastAttemptAt.Equal(right.LastAttemptAt) {
			if ascending {
				return left.LastAttemptAt.Before(right.LastAttemptAt)
			}

			return left.LastAttemptAt.After(right.LastAttemptAt)
		}

		return left.ID < right.ID
	})
}

// len returns the number of committed rows.
func (t *table[M]) len() int {
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()

	return len(t.rows)
}
