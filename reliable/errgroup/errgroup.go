package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/LerianStudio/lib-reliable/reliable/runtime"
	"golang.org/x/sync/semaphore"
)

// ErrPanicRecovered is returned by Wait when a goroutine in the group panicked.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group runs goroutines that share a cancellation context. The first error
// cancels the context and is returned by Wait.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	logger  log.Logger
	sem     *semaphore.Weighted
}

// WithContext returns a Group and a context derived from ctx that is
// cancelled on the first error or when Wait returns.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger sets the logger used when a goroutine panics.
func (grp *Group) SetLogger(logger log.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

// SetLimit caps the number of goroutines running at once. n <= 0 removes
// the cap. It must be called before the first Go.
func (grp *Group) SetLimit(n int) {
	if grp == nil {
		return
	}

	if n <= 0 {
		grp.sem = nil
		return
	}

	grp.sem = semaphore.NewWeighted(int64(n))
}

func (grp *Group) effectiveCtx() context.Context {
	if grp.ctx != nil {
		return grp.ctx
	}

	return context.Background()
}

func (grp *Group) fail(err error) {
	grp.errOnce.Do(func() {
		grp.err = err
		if grp.cancel != nil {
			grp.cancel()
		}
	})
}

// Go runs fn in a new goroutine. When a limit is set, Go blocks until a
// slot frees up.
func (grp *Group) Go(fn func() error) {
	if grp.sem != nil {
		// Background so a cancelled group still drains its queued work.
		_ = grp.sem.Acquire(context.Background(), 1)
	}

	grp.wg.Add(1)

	go func() {
		defer grp.wg.Done()

		if grp.sem != nil {
			defer grp.sem.Release(1)
		}

		defer func() {
			if recovered := recover(); recovered != nil {
				runtime.HandlePanicValue(grp.effectiveCtx(), grp.logger, recovered, "errgroup", "group.Go")
				grp.fail(fmt.Errorf("%w: %v", ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(); err != nil {
			grp.fail(err)
		}
	}()
}

// Wait blocks until every goroutine returns, then returns the first error.
func (grp *Group) Wait() error {
	grp.wg.Wait()

	if grp.cancel != nil {
		grp.cancel()
	}

	return grp.err
}
