package circuitbreaker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable"
	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/log"
)

var (
	ErrManagerRequired            = errors.New("circuit breaker manager is required")
	ErrInvalidHealthCheckInterval = errors.New("health check interval must be positive")
	ErrInvalidHealthCheckTimeout  = errors.New("health check timeout must be positive")
)

const immediateCheckBuffer = 10

// HealthChecker probes services whose breaker is not closed and resets the
// breaker once the probe succeeds. It runs as a launcher app.
type HealthChecker struct {
	manager      *Manager
	interval     time.Duration
	checkTimeout time.Duration
	logger       log.Logger

	mu       sync.RWMutex
	services map[string]HealthCheckFunc

	immediate chan string
	stop      chan struct{}
	stopOnce  sync.Once
}

var (
	_ reliable.App        = (*HealthChecker)(nil)
	_ StateChangeListener = (*HealthChecker)(nil)
)

// NewHealthChecker returns a checker running every interval. Each probe is
// bounded by checkTimeout. The checker registers itself on manager so an
// opening breaker is probed without waiting for the next tick.
func NewHealthChecker(manager *Manager, interval, checkTimeout time.Duration, logger log.Logger) (*HealthChecker, error) {
	if manager == nil {
		return nil, ErrManagerRequired
	}

	if interval <= 0 {
		return nil, ErrInvalidHealthCheckInterval
	}

	if checkTimeout <= 0 {
		return nil, ErrInvalidHealthCheckTimeout
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	hc := &HealthChecker{
		manager:      manager,
		interval:     interval,
		checkTimeout: checkTimeout,
		logger:       logger,
		services:     make(map[string]HealthCheckFunc),
		immediate:    make(chan string, immediateCheckBuffer),
		stop:         make(chan struct{}),
	}

	manager.RegisterStateChangeListener(hc)

	return hc, nil
}

// Register adds a probe for serviceName.
func (hc *HealthChecker) Register(serviceName string, check HealthCheckFunc) {
	if check == nil {
		return
	}

	hc.mu.Lock()
	hc.services[serviceName] = check
	hc.mu.Unlock()
}

// Run checks until Stop is called.
func (hc *HealthChecker) Run(_ *reliable.Launcher) error {
	return hc.RunContext(context.Background())
}

// RunContext checks until Stop is called or ctx is done.
func (hc *HealthChecker) RunContext(ctx context.Context) error {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.checkAll(ctx)
		case serviceName := <-hc.immediate:
			hc.check(ctx, serviceName)
		case <-hc.stop:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop ends Run. It is idempotent.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stop) })
}

// Status returns the breaker state of every registered service.
func (hc *HealthChecker) Status() map[string]State {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := make(map[string]State, len(hc.services))
	for serviceName := range hc.services {
		status[serviceName] = hc.manager.State(serviceName)
	}

	return status
}

// OnStateChange schedules an immediate probe when a breaker opens.
func (hc *HealthChecker) OnStateChange(serviceName string, _ State, to State) {
	if to != StateOpen {
		return
	}

	select {
	case hc.immediate <- serviceName:
	default:
		hc.logger.Log(context.Background(), log.LevelWarn, "immediate health check queue full",
			log.String("service", serviceName))
	}
}

func (hc *HealthChecker) checkAll(ctx context.Context) {
	hc.mu.RLock()
	services := maps.Clone(hc.services)
	hc.mu.RUnlock()

	for serviceName := range services {
		hc.check(ctx, serviceName)
	}
}

func (hc *HealthChecker) check(ctx context.Context, serviceName string) {
	hc.mu.RLock()
	probe, exists := hc.services[serviceName]
	hc.mu.RUnlock()

	if !exists || hc.manager.IsHealthy(serviceName) {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
	err := probe(checkCtx)

	cancel()

	if err != nil {
		hc.logger.Log(ctx, log.LevelWarn, "service still unhealthy",
			log.String("service", serviceName), log.Err(err))

		return
	}

	hc.logger.Log(ctx, log.LevelInfo, "service recovered, resetting circuit breaker", log.String("service", serviceName))
	hc.manager.Reset(serviceName)
}
