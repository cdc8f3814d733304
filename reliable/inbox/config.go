package inbox

import (
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchInterval     = 2 * time.Second
	defaultBatchSize            = 50
	defaultMaxJitter            = 10 * time.Second
	defaultClaimConflictRetries = 3
	defaultStoreWriteRetries    = 2
	defaultStoreWriteDelay      = 200 * time.Millisecond
	defaultLoopRetryDelay       = 10 * time.Second
	defaultLoopMaxRetryDelay    = 5 * time.Minute
	defaultWarnAfterRetries     = 3
)

// Config controls the wrapper and the dispatcher loop.
type Config struct {
	// DispatchInterval is the pause between dispatcher cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of rows claimed at once.
	BatchSize int
	// MaxProcessing is the age after which a Processing row is considered
	// abandoned and may be reclaimed.
	MaxProcessing time.Duration
	// RetryUnit is the base of the failed-row schedule.
	RetryUnit time.Duration
	// MaxParallel caps concurrent handlers within one creation-second
	// bucket. Zero means unbounded.
	MaxParallel int
	// MaxJitter bounds the random pause between drains of one cycle.
	MaxJitter            time.Duration
	ClaimConflictRetries int
	// StoreWriteRetries and StoreWriteDelay drive the retry around row
	// writes that record a handling outcome.
	StoreWriteRetries int
	StoreWriteDelay   time.Duration
	// LogConsumerProcessTime enables slow handler warnings.
	LogConsumerProcessTime bool
	LoopRetryDelay         time.Duration
	LoopMaxRetryDelay      time.Duration
	WarnAfterRetries       int
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline inbox configuration.
func DefaultConfig() Config {
	return Config{
		DispatchInterval:     defaultDispatchInterval,
		BatchSize:            defaultBatchSize,
		MaxProcessing:        delivery.DefaultMaxProcessing,
		RetryUnit:            delivery.DefaultRetryUnit,
		MaxJitter:            defaultMaxJitter,
		ClaimConflictRetries: defaultClaimConflictRetries,
		StoreWriteRetries:    defaultStoreWriteRetries,
		StoreWriteDelay:      defaultStoreWriteDelay,
		LoopRetryDelay:       defaultLoopRetryDelay,
		LoopMaxRetryDelay:    defaultLoopMaxRetryDelay,
		WarnAfterRetries:     defaultWarnAfterRetries,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxProcessing <= 0 {
		cfg.MaxProcessing = defaults.MaxProcessing
	}

	if cfg.RetryUnit <= 0 {
		cfg.RetryUnit = defaults.RetryUnit
	}

	cfg.MaxParallel = max(cfg.MaxParallel, 0)
	cfg.MaxJitter = max(cfg.MaxJitter, 0)
	cfg.ClaimConflictRetries = max(cfg.ClaimConflictRetries, 0)
	cfg.StoreWriteRetries = max(cfg.StoreWriteRetries, 0)
	cfg.StoreWriteDelay = max(cfg.StoreWriteDelay, 0)

	if cfg.LoopRetryDelay <= 0 {
		cfg.LoopRetryDelay = defaults.LoopRetryDelay
	}

	if cfg.LoopMaxRetryDelay <= 0 {
		cfg.LoopMaxRetryDelay = defaults.LoopMaxRetryDelay
	}

	if cfg.WarnAfterRetries <= 0 {
		cfg.WarnAfterRetries = defaults.WarnAfterRetries
	}
}

func (cfg Config) claimPolicy() delivery.ClaimPolicy {
	return delivery.ClaimPolicy{MaxProcessing: cfg.MaxProcessing}
}

func (cfg Config) loopConfig() delivery.LoopConfig {
	return delivery.LoopConfig{
		Interval:         cfg.DispatchInterval,
		RetryDelay:       cfg.LoopRetryDelay,
		MaxRetryDelay:    cfg.LoopMaxRetryDelay,
		WarnAfterRetries: cfg.WarnAfterRetries,
		MeterProvider:    cfg.MeterProvider,
	}
}
