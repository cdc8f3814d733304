package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/LerianStudio/lib-reliable/reliable/runtime"
	"github.com/sony/gobreaker"
)

var (
	ErrUnknownService = errors.New("circuit breaker not found for service")
	// ErrServiceUnavailable wraps the gobreaker rejections, returned without
	// calling the guarded function.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Manager owns one breaker per service name. It is safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	logger    log.Logger
}

// NewManager returns an empty manager.
func NewManager(logger log.Logger) *Manager {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}
}

// GetOrCreate registers serviceName with config unless it already exists.
// The config of an existing breaker is kept.
func (m *Manager) GetOrCreate(serviceName string, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[serviceName]; exists {
		return nil
	}

	m.breakers[serviceName] = m.newBreaker(serviceName, config)
	m.configs[serviceName] = config

	m.logger.Log(context.Background(), log.LevelInfo, "created circuit breaker", log.String("service", serviceName))

	return nil
}

func (m *Manager) newBreaker(serviceName string, config Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "service-" + serviceName,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.readyToTrip(counts.Requests, counts.TotalFailures, counts.ConsecutiveFailures)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			m.handleStateChange(serviceName, from, to)
		},
	})
}

func (m *Manager) breaker(serviceName string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.breakers[serviceName]
}

// Execute runs fn through the breaker of serviceName. While the breaker is
// open, or half-open with its probe budget spent, fn is not called and the
// error wraps ErrServiceUnavailable.
func (m *Manager) Execute(serviceName string, fn func() (any, error)) (any, error) {
	breaker := m.breaker(serviceName)
	if breaker == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, serviceName)
	}

	result, err := breaker.Execute(fn)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker open, request rejected",
			log.String("service", serviceName))

		return nil, fmt.Errorf("%w: %s (circuit breaker open): %w", ErrServiceUnavailable, serviceName, err)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker half-open, too many probe requests",
			log.String("service", serviceName))

		return nil, fmt.Errorf("%w: %s is recovering: %w", ErrServiceUnavailable, serviceName, err)
	}

	return result, err
}

// State returns the breaker state, or StateUnknown for an unknown service.
func (m *Manager) State(serviceName string) State {
	breaker := m.breaker(serviceName)
	if breaker == nil {
		return StateUnknown
	}

	return convertState(breaker.State())
}

// Counts returns the breaker statistics of the current generation.
func (m *Manager) Counts(serviceName string) Counts {
	breaker := m.breaker(serviceName)
	if breaker == nil {
		return Counts{}
	}

	return convertCounts(breaker.Counts())
}

// IsHealthy reports whether the breaker is closed. Half-open still needs a
// successful probe.
func (m *Manager) IsHealthy(serviceName string) bool {
	return m.State(serviceName) == StateClosed
}

// Reset replaces the breaker with a fresh closed one using the stored
// config.
func (m *Manager) Reset(serviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	config, exists := m.configs[serviceName]
	if !exists {
		return
	}

	m.breakers[serviceName] = m.newBreaker(serviceName, config)

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset", log.String("service", serviceName))
}

// RegisterStateChangeListener adds a listener notified asynchronously on
// every state change.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if nilcheck.Interface(listener) {
		m.logger.Log(context.Background(), log.LevelWarn, "ignoring nil state change listener")

		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *Manager) handleStateChange(serviceName string, from gobreaker.State, to gobreaker.State) {
	level := log.LevelInfo
	if to == gobreaker.StateOpen {
		level = log.LevelError
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("service", serviceName), log.String("from", from.String()), log.String("to", to.String()))

	fromState, toState := convertState(from), convertState(to)

	m.mu.RLock()
	listeners := append([]StateChangeListener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, listener := range listeners {
		runtime.SafeGo(m.logger, "circuitbreaker.state_listener", runtime.KeepRunning, func() {
			listener.OnStateChange(serviceName, fromState, toState)
		})
	}
}
