package outbox

import (
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultSendInterval         = 2 * time.Second
	defaultBatchSize            = 50
	defaultMaxJitter            = 10 * time.Second
	defaultClaimConflictRetries = 3
	defaultStoreWriteRetries    = 2
	defaultStoreWriteDelay      = 200 * time.Millisecond
	defaultLoopRetryDelay       = 10 * time.Second
	defaultLoopMaxRetryDelay    = 5 * time.Minute
	defaultWarnAfterRetries     = 3
)

// Config controls the producer and the sender loop.
type Config struct {
	// SendInterval is the pause between sender cycles.
	SendInterval time.Duration
	// BatchSize is the max number of rows claimed at once.
	BatchSize int
	// MaxProcessing is the age after which a Processing row is considered
	// abandoned and may be reclaimed.
	MaxProcessing time.Duration
	// RetryUnit is the base of the failed-row schedule:
	// NextRetryAfter = now + RetryUnit * 2^RetryCount.
	RetryUnit time.Duration
	// MaxParallel caps concurrent transmissions per batch. Zero means
	// unbounded.
	MaxParallel int
	// MaxJitter bounds the random pause between drains of one cycle.
	MaxJitter time.Duration
	// ClaimConflictRetries bounds immediate claim retries after a lost race.
	ClaimConflictRetries int
	// StoreWriteRetries and StoreWriteDelay drive the retry around the row
	// update that records a transmission outcome. The n-th retry waits
	// n * StoreWriteDelay.
	StoreWriteRetries int
	StoreWriteDelay   time.Duration
	// StandaloneScope persists rows in their own unit of work instead of
	// the caller's.
	StandaloneScope bool
	// LoopRetryDelay, LoopMaxRetryDelay and WarnAfterRetries control how a
	// failing sender cycle is retried.
	LoopRetryDelay    time.Duration
	LoopMaxRetryDelay time.Duration
	WarnAfterRetries  int
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline outbox configuration.
func DefaultConfig() Config {
	return Config{
		SendInterval:         defaultSendInterval,
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

	if cfg.SendInterval <= 0 {
		cfg.SendInterval = defaults.SendInterval
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

	if cfg.MaxParallel < 0 {
		cfg.MaxParallel = 0
	}

	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}

	if cfg.ClaimConflictRetries < 0 {
		cfg.ClaimConflictRetries = 0
	}

	if cfg.StoreWriteRetries < 0 {
		cfg.StoreWriteRetries = 0
	}

	if cfg.StoreWriteDelay < 0 {
		cfg.StoreWriteDelay = 0
	}

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
		Interval:         cfg.SendInterval,
		RetryDelay:       cfg.LoopRetryDelay,
		MaxRetryDelay:    cfg.LoopMaxRetryDelay,
		WarnAfterRetries: cfg.WarnAfterRetries,
		MeterProvider:    cfg.MeterProvider,
	}
}
