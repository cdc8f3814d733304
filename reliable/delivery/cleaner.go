package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable"
	"github.com/LerianStudio/lib-reliable/reliable/clock"
	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultCleanerInterval   = time.Minute
	defaultCleanerPageSize   = 100
	defaultProcessedExpiry   = 7 * 24 * time.Hour
	defaultFailedExpiry      = 30 * 24 * time.Hour
	defaultMaxStoreProcessed = 100_000
)

// CleanupStore is the retention surface of an outbox or inbox store.
type CleanupStore interface {
	CountByStatus(ctx context.Context, status Status) (int64, error)
	// ListIDsBeyondProcessedCap returns up to limit ids of Processed rows
	// that fall after the newest keep rows, ordered by last attempt
	// descending.
	ListIDsBeyondProcessedCap(ctx context.Context, keep int64, limit int) ([]string, error)
	// ListExpiredIDs returns up to limit ids of Processed rows last attempted
	// before processedBefore and Failed rows last attempted before
	// failedBefore, oldest first.
	ListExpiredIDs(ctx context.Context, processedBefore, failedBefore time.Time, limit int) ([]string, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// CleanerConfig controls row retention.
type CleanerConfig struct {
	Interval time.Duration
	PageSize int
	// ProcessedExpiry and FailedExpiry are measured from the last attempt.
	ProcessedExpiry time.Duration
	FailedExpiry    time.Duration
	// MaxStoreProcessed caps the Processed rows kept. While the cap is
	// exceeded, the cleaner trims to the cap instead of applying expiry.
	MaxStoreProcessed int64
	MeterProvider     metric.MeterProvider
}

// DefaultCleanerConfig returns the baseline retention configuration.
func DefaultCleanerConfig() CleanerConfig {
	return CleanerConfig{
		Interval:          defaultCleanerInterval,
		PageSize:          defaultCleanerPageSize,
		ProcessedExpiry:   defaultProcessedExpiry,
		FailedExpiry:      defaultFailedExpiry,
		MaxStoreProcessed: defaultMaxStoreProcessed,
	}
}

func (cfg *CleanerConfig) normalize() {
	defaults := DefaultCleanerConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}

	if cfg.ProcessedExpiry <= 0 {
		cfg.ProcessedExpiry = defaults.ProcessedExpiry
	}

	if cfg.FailedExpiry <= 0 {
		cfg.FailedExpiry = defaults.FailedExpiry
	}

	if cfg.MaxStoreProcessed <= 0 {
		cfg.MaxStoreProcessed = defaults.MaxStoreProcessed
	}
}

// CleanerOption configures a Cleaner.
type CleanerOption func(*Cleaner)

// WithCleanerConfig replaces the cleaner configuration.
func WithCleanerConfig(cfg CleanerConfig) CleanerOption {
	return func(c *Cleaner) {
		c.cfg = cfg
	}
}

// WithCleanerClock sets the clock used to compute expiry cutoffs.
func WithCleanerClock(clk clock.Clock) CleanerOption {
	return func(c *Cleaner) {
		c.clock = clock.OrSystem(clk)
	}
}

// WithCleanerLoopConfig overrides the retry behavior of the cleaner loop.
// Its Interval is ignored in favor of CleanerConfig.Interval.
func WithCleanerLoopConfig(cfg LoopConfig) CleanerOption {
	return func(c *Cleaner) {
		c.loopCfg = &cfg
	}
}

// Cleaner deletes Processed and Failed rows past retention.
type Cleaner struct {
	name    string
	store   CleanupStore
	logger  log.Logger
	clock   clock.Clock
	cfg     CleanerConfig
	loopCfg *LoopConfig
	loop    *Loop
	metrics cleanerMetrics
}

var _ reliable.App = (*Cleaner)(nil)

// NewCleaner creates a cleaner over store. name labels logs, spans and
// metrics, e.g. "outbox.cleaner".
func NewCleaner(name string, store CleanupStore, logger log.Logger, tracer trace.Tracer, opts ...CleanerOption) (*Cleaner, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	cleaner := &Cleaner{
		name:   name,
		store:  store,
		logger: logger,
		clock:  clock.System{},
		cfg:    DefaultCleanerConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cleaner)
		}
	}

	cleaner.cfg.normalize()

	metrics, err := newCleanerMetrics(cleaner.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init %s metrics: %w", name, err)
	}

	cleaner.metrics = metrics

	loopCfg := DefaultLoopConfig(cleaner.cfg.Interval)
	if cleaner.loopCfg != nil {
		loopCfg = *cleaner.loopCfg
		loopCfg.Interval = cleaner.cfg.Interval
	}

	if loopCfg.MeterProvider == nil {
		loopCfg.MeterProvider = cleaner.cfg.MeterProvider
	}

	loop, err := NewLoop(name, func(ctx context.Context) error {
		_, cleanErr := cleaner.Clean(ctx)

		return cleanErr
	}, loopCfg, logger, tracer)
	if err != nil {
		return nil, err
	}

	cleaner.loop = loop

	return cleaner, nil
}

// Run starts the cleaner loop.
func (c *Cleaner) Run(launcher *reliable.Launcher) error {
	return c.loop.Run(launcher)
}

// RunContext starts the cleaner loop until ctx is cancelled.
func (c *Cleaner) RunContext(ctx context.Context, launcher *reliable.Launcher) error {
	return c.loop.RunContext(ctx, launcher)
}

// Stop signals the cleaner loop to stop.
func (c *Cleaner) Stop() {
	c.loop.Stop()
}

// Shutdown stops the loop and waits for the in-flight cleanup.
func (c *Cleaner) Shutdown(ctx context.Context) error {
	return c.loop.Shutdown(ctx)
}

// Clean runs one retention pass and returns the number of deleted rows.
// When the Processed cap is exceeded only the excess is trimmed; otherwise
// expired Processed and Failed rows are removed.
func (c *Cleaner) Clean(ctx context.Context) (int64, error) {
	processed, err := c.store.CountByStatus(ctx, StatusProcessed)
	if err != nil {
		return 0, fmt.Errorf("count processed rows: %w", err)
	}

	var deleted int64

	if processed > c.cfg.MaxStoreProcessed {
		deleted, err = c.trimToCap(ctx, processed-c.cfg.MaxStoreProcessed)
	} else {
		deleted, err = c.deleteExpired(ctx)
	}

	if deleted > 0 {
		c.metrics.deleted.Add(ctx, deleted, metric.WithAttributes(attribute.String("cleaner", c.name)))
		c.logger.Log(ctx, log.LevelInfo, "message rows cleaned", log.String("cleaner", c.name), log.Int64("deleted", deleted))
	}

	return deleted, err
}

func (c *Cleaner) trimToCap(ctx context.Context, excess int64) (int64, error) {
	var deleted int64

	for deleted < excess {
		if err := ctx.Err(); err != nil {
			return deleted, fmt.Errorf("trim processed rows: %w", err)
		}

		limit := c.cfg.PageSize
		if remaining := excess - deleted; remaining < int64(limit) {
			limit = int(remaining)
		}

		ids, err := c.store.ListIDsBeyondProcessedCap(ctx, c.cfg.MaxStoreProcessed, limit)
		if err != nil {
			return deleted, fmt.Errorf("list processed rows beyond cap: %w", err)
		}

		if len(ids) == 0 {
			return deleted, nil
		}

		n, err := c.store.DeleteByIDs(ctx, ids)
		deleted += n

		if err != nil {
			return deleted, fmt.Errorf("delete processed rows beyond cap: %w", err)
		}

		if n == 0 {
			return deleted, nil
		}
	}

	return deleted, nil
}

func (c *Cleaner) deleteExpired(ctx context.Context) (int64, error) {
	now := c.clock.Now()
	processedBefore := now.Add(-c.cfg.ProcessedExpiry)
	failedBefore := now.Add(-c.cfg.FailedExpiry)

	var deleted int64

	for {
		if err := ctx.Err(); err != nil {
			return deleted, fmt.Errorf("delete expired rows: %w", err)
		}

		ids, err := c.store.ListExpiredIDs(ctx, processedBefore, failedBefore, c.cfg.PageSize)
		if err != nil {
			return deleted, fmt.Errorf("list expired rows: %w", err)
		}

		if len(ids) == 0 {
			return deleted, nil
		}

		n, err := c.store.DeleteByIDs(ctx, ids)
		deleted += n

		if err != nil {
			return deleted, fmt.Errorf("delete expired rows: %w", err)
		}

		if n == 0 || len(ids) < c.cfg.PageSize {
			return deleted, nil
		}
	}
}
