package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable"
	"github.com/LerianStudio/lib-reliable/reliable/backoff"
	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliable/reliable/opentelemetry"
	"github.com/LerianStudio/lib-reliable/reliable/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultLoopRetryDelay       = 10 * time.Second
	defaultLoopMaxRetryDelay    = 5 * time.Minute
	defaultLoopWarnAfterRetries = 3
)

// CycleFunc is one unit of loop work.
type CycleFunc func(ctx context.Context) error

// LoopConfig controls the cadence and failure handling of a Loop.
type LoopConfig struct {
	// Interval is the pause between cycles.
	Interval time.Duration
	// RetryDelay is the base delay before a failed cycle is retried. The
	// delay doubles per consecutive failure up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// WarnAfterRetries escalates cycle failure logs to warning level once
	// this many consecutive retries happened.
	WarnAfterRetries int
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultLoopConfig returns the baseline loop configuration.
func DefaultLoopConfig(interval time.Duration) LoopConfig {
	return LoopConfig{
		Interval:         interval,
		RetryDelay:       defaultLoopRetryDelay,
		MaxRetryDelay:    defaultLoopMaxRetryDelay,
		WarnAfterRetries: defaultLoopWarnAfterRetries,
	}
}

func (cfg *LoopConfig) normalize() {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}

	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}

	if cfg.WarnAfterRetries <= 0 {
		cfg.WarnAfterRetries = defaultLoopWarnAfterRetries
	}
}

// Loop runs a CycleFunc on an interval. Cycles never overlap within one
// Loop, and a failing cycle is retried with backoff instead of stopping
// the loop.
type Loop struct {
	name   string
	cycle  CycleFunc
	logger log.Logger
	tracer trace.Tracer
	cfg    LoopConfig

	inFlight atomic.Bool
	retries  atomic.Int64

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup

	metrics loopMetrics
}

var _ reliable.App = (*Loop)(nil)

// NewLoop creates a loop named name. The name prefixes span names and
// labels metrics.
func NewLoop(name string, cycle CycleFunc, cfg LoopConfig, logger log.Logger, tracer trace.Tracer) (*Loop, error) {
	if cycle == nil {
		return nil, ErrCycleRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("reliable.noop")
	}

	cfg.normalize()

	metrics, err := newLoopMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init %s loop metrics: %w", name, err)
	}

	return &Loop{
		name:    name,
		cycle:   cycle,
		logger:  logger.With(log.Loop(name)),
		tracer:  tracer,
		cfg:     cfg,
		stop:    make(chan struct{}),
		metrics: metrics,
	}, nil
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Run starts the loop until Stop is called.
func (l *Loop) Run(launcher *reliable.Launcher) error {
	return l.RunContext(context.Background(), launcher)
}

// RunContext starts the loop until Stop is called or ctx is cancelled. The
// first cycle runs immediately.
func (l *Loop) RunContext(parentCtx context.Context, launcher *reliable.Launcher) error {
	if l == nil {
		return ErrLoopRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !l.registerRun(cancel) {
		cancel()

		return ErrLoopRunning
	}

	defer l.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "loop started", log.Loop(l.name))
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "loop stopped", log.Loop(l.name))
	}

	defer runtime.RecoverAndLogWithContext(ctx, l.logger, l.name, "loop_run")

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.tick(ctx)

	for {
		select {
		case <-l.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-l.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			l.tick(ctx)
		}
	}
}

// tick runs one cycle, retrying it until it succeeds or ctx is done.
func (l *Loop) tick(ctx context.Context) {
	if !l.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer l.inFlight.Store(false)

	l.cycleWg.Add(1)
	defer l.cycleWg.Done()

	for {
		err := l.execute(ctx)
		if err == nil {
			l.retries.Store(0)

			return
		}

		if ctx.Err() != nil {
			return
		}

		retry := l.retries.Add(1)
		delay := l.retryDelay(retry)

		level := log.LevelInfo
		if retry >= int64(l.cfg.WarnAfterRetries) {
			level = log.LevelWarn
		}

		l.logger.Log(ctx, level, "loop cycle failed, retrying",
			log.Retry(retry), log.Duration("delay", delay), log.Err(err))

		if sleepErr := backoff.SleepWithContext(ctx, delay); sleepErr != nil {
			return
		}
	}
}

func (l *Loop) retryDelay(retry int64) time.Duration {
	delay := backoff.Exponential(l.cfg.RetryDelay, int(retry-1))
	if delay > l.cfg.MaxRetryDelay {
		return l.cfg.MaxRetryDelay
	}

	return delay
}

// RunOnce runs a single cycle without retry. It returns ErrCycleInFlight
// when another cycle of this loop is running.
func (l *Loop) RunOnce(ctx context.Context) error {
	if l == nil {
		return ErrLoopRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if !l.inFlight.CompareAndSwap(false, true) {
		return ErrCycleInFlight
	}
	defer l.inFlight.Store(false)

	l.cycleWg.Add(1)
	defer l.cycleWg.Done()

	return l.execute(ctx)
}

func (l *Loop) execute(ctx context.Context) (err error) {
	ctx, span := l.tracer.Start(ctx, l.name+".cycle")
	defer span.End()

	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("loop", l.name))

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, l.logger, recovered, l.name, "cycle")

			err = fmt.Errorf("%s cycle panicked: %v", l.name, recovered)
		}

		l.metrics.cycleLatency.Record(ctx, time.Since(start).Seconds(), attrs)

		if err != nil {
			l.metrics.cycleFailures.Add(ctx, 1, attrs)
			libOpentelemetry.HandleSpanError(span, l.name+" cycle failed", err)
		}
	}()

	l.metrics.cycles.Add(ctx, 1, attrs)

	return l.cycle(ctx)
}

// Retries returns the number of consecutive failed cycles.
func (l *Loop) Retries() int64 {
	return l.retries.Load()
}

// Stop signals the loop to stop.
func (l *Loop) Stop() {
	if l == nil {
		return
	}

	l.stopOnce.Do(func() {
		l.runStateMu.Lock()
		cancel := l.cancelFunc
		l.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(l.stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (l *Loop) Shutdown(ctx context.Context) error {
	if l == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	l.Stop()

	done := make(chan struct{})

	runtime.SafeGo(l.logger, l.name+".shutdown_wait", runtime.KeepRunning, func() {
		l.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s shutdown: %w", l.name, ctx.Err())
	}
}

func (l *Loop) registerRun(cancel context.CancelFunc) bool {
	l.runStateMu.Lock()
	defer l.runStateMu.Unlock()

	if l.running || isClosedSignal(l.stop) {
		return false
	}

	l.running = true
	l.cancelFunc = cancel

	return true
}

func (l *Loop) clearRun() {
	l.runStateMu.Lock()
	defer l.runStateMu.Unlock()

	l.running = false

	if l.cancelFunc != nil {
		l.cancelFunc()
		l.cancelFunc = nil
	}
}

func isClosedSignal(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
