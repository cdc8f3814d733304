package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable"
	"github.com/LerianStudio/lib-reliable/reliable/backoff"
	"github.com/LerianStudio/lib-reliable/reliable/clock"
	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/errgroup"
	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/LerianStudio/lib-reliable/reliable/uow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderConfig replaces the outbox configuration.
func WithSenderConfig(cfg Config) SenderOption {
	return func(s *Sender) {
		s.relay.cfg = cfg
	}
}

// WithSenderClock sets the time source of the claim predicate.
func WithSenderClock(clk clock.Clock) SenderOption {
	return func(s *Sender) {
		s.relay.clock = clock.OrSystem(clk)
	}
}

// WithSenderProvider sets the provider whose units wrap each claim.
func WithSenderProvider(provider *uow.Provider) SenderOption {
	return func(s *Sender) {
		if provider != nil {
			s.provider = provider
		}
	}
}

// WithJitter replaces the pause drawn between drains. It receives
// Config.MaxJitter.
func WithJitter(jitter func(maxJitter time.Duration) time.Duration) SenderOption {
	return func(s *Sender) {
		if jitter != nil {
			s.jitter = jitter
		}
	}
}

// SendResult counts the outcome of one sender cycle.
type SendResult struct {
	Claimed   int
	Published int
	Failed    int
	Drains    int
}

// Sender is the polling loop that recovers outbox rows: it claims due rows
// in a short unit of work, transmits them in parallel, and repeats until
// nothing is claimable.
type Sender struct {
	relay    relay
	provider *uow.Provider
	jitter   func(time.Duration) time.Duration
	loop     *delivery.Loop
}

var _ reliable.App = (*Sender)(nil)

// NewSender creates a sender over store and transport.
func NewSender(store Store, transport Transport, logger log.Logger, tracer trace.Tracer, opts ...SenderOption) (*Sender, error) {
	if nilcheck.Interface(store) {
		return nil, delivery.ErrStoreRequired
	}

	if nilcheck.Interface(transport) {
		return nil, ErrTransportRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("reliable.noop")
	}

	sender := &Sender{
		relay: relay{
			store:     store,
			transport: transport,
			clock:     clock.System{},
			logger:    logger,
			tracer:    tracer,
			cfg:       DefaultConfig(),
		},
		jitter: backoff.FullJitter,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sender)
		}
	}

	sender.relay.cfg.normalize()

	if sender.provider == nil {
		provider, err := uow.NewProvider(nil, uow.WithLogger(logger), uow.WithTracer(tracer))
		if err != nil {
			return nil, err
		}

		sender.provider = provider
	}

	metrics, err := newOutboxMetrics(sender.relay.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	sender.relay.metrics = metrics

	loop, err := delivery.NewLoop("outbox.sender", func(ctx context.Context) error {
		_, cycleErr := sender.SendOnce(ctx)

		return cycleErr
	}, sender.relay.cfg.loopConfig(), logger, tracer)
	if err != nil {
		return nil, err
	}

	sender.loop = loop

	return sender, nil
}

// Run starts the sender loop.
func (s *Sender) Run(launcher *reliable.Launcher) error {
	if s == nil {
		return ErrSenderRequired
	}

	return s.loop.Run(launcher)
}

// RunContext starts the sender loop until ctx is cancelled.
func (s *Sender) RunContext(ctx context.Context, launcher *reliable.Launcher) error {
	if s == nil {
		return ErrSenderRequired
	}

	return s.loop.RunContext(ctx, launcher)
}

// Stop signals the sender loop to stop.
func (s *Sender) Stop() {
	if s != nil {
		s.loop.Stop()
	}
}

// Shutdown stops the loop and waits for the in-flight cycle.
func (s *Sender) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}

	return s.loop.Shutdown(ctx)
}

// SendOnce drains every claimable row. Per-row transmission errors are
// recorded on the rows and do not fail the cycle; claim errors do.
func (s *Sender) SendOnce(ctx context.Context) (SendResult, error) {
	var result SendResult

	if s == nil {
		return result, ErrSenderRequired
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("outbox sender cycle: %w", err)
		}

		if result.Drains > 0 {
			if err := backoff.SleepWithContext(ctx, s.jitter(s.relay.cfg.MaxJitter)); err != nil {
				return result, fmt.Errorf("outbox sender jitter: %w", err)
			}
		}

		claimed, err := s.claimWithRetry(ctx)
		if err != nil {
			return result, err
		}

		s.relay.metrics.claimedBatch.Record(ctx, int64(len(claimed)))

		if len(claimed) == 0 {
			return result, nil
		}

		result.Drains++
		result.Claimed += len(claimed)

		published, failed := s.dispatch(ctx, claimed)
		result.Published += published
		result.Failed += failed
	}
}

// claimWithRetry retries the claim immediately when another instance wins
// the race for a row.
func (s *Sender) claimWithRetry(ctx context.Context) ([]*Message, error) {
	policy := backoff.Policy{
		MaxRetries: s.relay.cfg.ClaimConflictRetries,
		Retryable:  delivery.IsConflict,
		OnRetry: func(retry int, err error) {
			s.relay.metrics.claimConflicts.Add(ctx, 1)
			s.relay.logger.Log(ctx, log.LevelWarn, "outbox claim conflict, retrying",
				log.Retry(int64(retry)), log.Err(err))
		},
	}

	claimed, err := backoff.DoValue(ctx, policy, s.claim)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}

	return claimed, nil
}

// claim stamps up to BatchSize claimable rows Processing inside one unit
// of work. Rows taken by another instance between the read and the write
// are skipped.
func (s *Sender) claim(ctx context.Context) ([]*Message, error) {
	manager := s.provider.NewManager()

	defer func() {
		if err := manager.Dispose(uow.Detach(ctx)); err != nil {
			s.relay.logger.Log(ctx, log.LevelWarn, "failed to dispose claim scope", log.Err(err))
		}
	}()

	return uow.ExecuteInNewUowResult(ctx, manager, func(ctx context.Context, _ *uow.UnitOfWork) ([]*Message, error) {
		now := s.relay.clock.Now()

		candidates, err := s.relay.store.ListClaimable(ctx, now, s.relay.cfg.claimPolicy(), s.relay.cfg.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("list claimable outbox messages: %w", err)
		}

		claimed := make([]*Message, 0, len(candidates))

		for _, msg := range candidates {
			msg.MarkProcessing(now)

			if err := s.relay.store.Update(ctx, msg); err != nil {
				if delivery.IsConflict(err) {
					s.relay.metrics.claimConflicts.Add(ctx, 1)

					continue
				}

				return nil, fmt.Errorf("claim outbox message %s: %w", msg.ID, err)
			}

			claimed = append(claimed, msg)
		}

		return claimed, nil
	})
}

// dispatch transmits claimed rows under ctx, so cancelling the cycle also
// cancels in-flight publishes. Shutdown waits for the cycle to return.
func (s *Sender) dispatch(ctx context.Context, claimed []*Message) (int, int) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLogger(s.relay.logger)
	group.SetLimit(s.relay.cfg.MaxParallel)

	outcomes := make([]bool, len(claimed))

	for i, msg := range claimed {
		group.Go(func() error {
			// Rows not started before cancellation stay Processing and are
			// reclaimed once stale.
			if groupCtx.Err() != nil {
				return nil
			}

			ctx, span := s.relay.tracer.Start(groupCtx, "outbox.sender.dispatch")
			defer span.End()

			span.SetAttributes(attribute.String("outbox.message_id", msg.ID))

			outcomes[i] = s.relay.transmit(ctx, msg) == nil

			return nil
		})
	}

	_ = group.Wait()

	published := 0

	for _, ok := range outcomes {
		if ok {
			published++
		}
	}

	return published, len(claimed) - published
}
