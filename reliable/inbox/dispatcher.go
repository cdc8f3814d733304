package inbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable"
	"github.com/LerianStudio/lib-reliable/reliable/backoff"
	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/errgroup"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/LerianStudio/lib-reliable/reliable/uow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DispatchResult counts the outcome of one dispatcher cycle.
type DispatchResult struct {
	Claimed  int
	Consumed int
	Failed   int
	Drains   int
}

// Dispatcher is the polling loop that retries inbox rows whose handling
// failed or was abandoned.
type Dispatcher struct {
	processor *processor
	jitter    func(time.Duration) time.Duration
	loop      *delivery.Loop
}

var _ reliable.App = (*Dispatcher)(nil)

// DispatcherOption configures dispatcher-only behavior.
type DispatcherOption func(*Dispatcher)

// WithJitter replaces the pause drawn between drains. It receives
// Config.MaxJitter.
func WithJitter(jitter func(maxJitter time.Duration) time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if jitter != nil {
			d.jitter = jitter
		}
	}
}

// NewDispatcher creates a dispatcher. opts must include WithStore.
func NewDispatcher(
	registry *Registry,
	logger log.Logger,
	tracer trace.Tracer,
	opts []Option,
	dispatcherOpts ...DispatcherOption,
) (*Dispatcher, error) {
	processor, err := newProcessor(registry, logger, tracer, opts)
	if err != nil {
		return nil, err
	}

	if processor.store == nil {
		return nil, delivery.ErrStoreRequired
	}

	dispatcher := &Dispatcher{processor: processor, jitter: backoff.FullJitter}

	for _, opt := range dispatcherOpts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	loop, err := delivery.NewLoop("inbox.dispatcher", func(ctx context.Context) error {
		_, cycleErr := dispatcher.DispatchOnce(ctx)

		return cycleErr
	}, processor.cfg.loopConfig(), processor.logger, processor.tracer)
	if err != nil {
		return nil, err
	}

	dispatcher.loop = loop

	return dispatcher, nil
}

// Run starts the dispatcher loop.
func (d *Dispatcher) Run(launcher *reliable.Launcher) error {
	if d == nil {
		return ErrDispatcherRequired
	}

	return d.loop.Run(launcher)
}

// RunContext starts the dispatcher loop until ctx is cancelled.
func (d *Dispatcher) RunContext(ctx context.Context, launcher *reliable.Launcher) error {
	if d == nil {
		return ErrDispatcherRequired
	}

	return d.loop.RunContext(ctx, launcher)
}

// Stop signals the dispatcher loop to stop.
func (d *Dispatcher) Stop() {
	if d != nil {
		d.loop.Stop()
	}
}

// Shutdown stops the loop and waits for the in-flight cycle.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}

	return d.loop.Shutdown(ctx)
}

// DispatchOnce drains every claimable row. Handler and resolution failures
// are recorded on the rows and do not fail the cycle.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult

	if d == nil {
		return result, ErrDispatcherRequired
	}

	p := d.processor

	for {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("inbox dispatcher cycle: %w", err)
		}

		if result.Drains > 0 {
			if err := backoff.SleepWithContext(ctx, d.jitter(p.cfg.MaxJitter)); err != nil {
				return result, fmt.Errorf("inbox dispatcher jitter: %w", err)
			}
		}

		claimed, err := d.claimWithRetry(ctx)
		if err != nil {
			return result, err
		}

		if len(claimed) == 0 {
			return result, nil
		}

		result.Drains++
		result.Claimed += len(claimed)

		consumed := d.dispatch(ctx, claimed)
		result.Consumed += consumed
		result.Failed += len(claimed) - consumed
	}
}

func (d *Dispatcher) claimWithRetry(ctx context.Context) ([]*Message, error) {
	p := d.processor

	policy := backoff.Policy{
		MaxRetries: p.cfg.ClaimConflictRetries,
		Retryable:  delivery.IsConflict,
		OnRetry: func(retry int, err error) {
			p.metrics.claimConflicts.Add(ctx, 1)
			p.logger.Log(ctx, log.LevelWarn, "inbox claim conflict, retrying", log.Retry(int64(retry)), log.Err(err))
		},
	}

	claimed, err := backoff.DoValue(ctx, policy, d.claim)
	if err != nil {
		return nil, fmt.Errorf("claim inbox messages: %w", err)
	}

	return claimed, nil
}

// claim stamps up to BatchSize claimable rows Processing, which also moves
// their LastConsumeAt, inside one unit of work.
func (d *Dispatcher) claim(ctx context.Context) ([]*Message, error) {
	p := d.processor
	manager := p.provider.NewManager()

	defer func() {
		if err := manager.Dispose(uow.Detach(ctx)); err != nil {
			p.logger.Log(ctx, log.LevelWarn, "failed to dispose claim scope", log.Err(err))
		}
	}()

	return uow.ExecuteInNewUowResult(ctx, manager, func(ctx context.Context, _ *uow.UnitOfWork) ([]*Message, error) {
		now := p.clock.Now()

		candidates, err := p.store.ListClaimable(ctx, now, p.cfg.claimPolicy(), p.cfg.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("list claimable inbox messages: %w", err)
		}

		claimed := make([]*Message, 0, len(candidates))

		for _, msg := range candidates {
			msg.MarkProcessing(now)

			if err := p.store.Update(ctx, msg); err != nil {
				if delivery.IsConflict(err) {
					p.metrics.claimConflicts.Add(ctx, 1)

					continue
				}

				return nil, fmt.Errorf("claim inbox message %s: %w", msg.ID, err)
			}

			claimed = append(claimed, msg)
		}

		return claimed, nil
	})
}

// dispatch handles claimed rows. Consumers run in parallel. Within one
// consumer, rows are bucketed by creation second: buckets run oldest first
// and the rows of a bucket run in parallel. Handlers see ctx's
// cancellation; rows not started before it stay Processing and are
// reclaimed once stale.
func (d *Dispatcher) dispatch(ctx context.Context, claimed []*Message) int {
	ctx = withDispatcherOrigin(ctx)

	byConsumer := make(map[string][]*Message)
	for _, msg := range claimed {
		byConsumer[msg.ConsumerKey] = append(byConsumer[msg.ConsumerKey], msg)
	}

	results := make([]int, len(byConsumer))
	keys := make([]string, 0, len(byConsumer))

	for key := range byConsumer {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLogger(d.processor.logger)

	for i, key := range keys {
		group.Go(func() error {
			results[i] = d.dispatchConsumer(groupCtx, key, byConsumer[key])

			return nil
		})
	}

	_ = group.Wait()

	total := 0

	for _, consumed := range results {
		total += consumed
	}

	return total
}

func (d *Dispatcher) dispatchConsumer(ctx context.Context, key string, rows []*Message) int {
	ctx, span := d.processor.tracer.Start(ctx, "inbox.dispatcher.consumer")
	defer span.End()

	span.SetAttributes(attribute.String("inbox.consumer_key", key), attribute.Int("inbox.rows", len(rows)))

	consumer, err := d.processor.registry.Resolve(key)
	if err != nil {
		for _, row := range rows {
			if recordErr := d.processor.resolutionFailure(ctx, row, err); recordErr != nil {
				d.processor.logger.Log(ctx, log.LevelError, "failed to record inbox resolution failure",
					log.MessageID(row.ID), log.Err(recordErr))
			}
		}

		return 0
	}

	consumed := 0

	for _, bucket := range bucketByCreatedSecond(rows) {
		if ctx.Err() != nil {
			break
		}

		outcomes := make([]bool, len(bucket))

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLogger(d.processor.logger)
		group.SetLimit(d.processor.cfg.MaxParallel)

		for i, row := range bucket {
			group.Go(func() error {
				if groupCtx.Err() != nil {
					return nil
				}

				meta := Metadata{
					MessageID:      row.ID,
					ConsumerKey:    key,
					RetryCount:     row.Retries(),
					FromDispatcher: true,
				}

				result := d.processor.execute(groupCtx, consumer, row, false, meta)
				outcomes[i] = result.handlerErr == nil && result.persistErr == nil

				return nil
			})
		}

		_ = group.Wait()

		for _, ok := range outcomes {
			if ok {
				consumed++
			}
		}
	}

	return consumed
}

func bucketByCreatedSecond(rows []*Message) [][]*Message {
	buckets := make(map[int64][]*Message)

	for _, row := range rows {
		second := row.CreatedAt.Unix()
		buckets[second] = append(buckets[second], row)
	}

	seconds := make([]int64, 0, len(buckets))
	for second := range buckets {
		seconds = append(seconds, second)
	}

	sort.Slice(seconds, func(i, j int) bool { return seconds[i] < seconds[j] })

	ordered := make([][]*Message, 0, len(seconds))
	for _, second := range seconds {
		ordered = append(ordered, buckets[second])
	}

	return ordered
}
