package circuitbreaker

import (
	"errors"
	"time"
)

var ErrInvalidConfig = errors.New("invalid circuit breaker config")

// Config holds circuit breaker configuration.
type Config struct {
	MaxRequests         uint32        // Max requests in half-open state
	Interval            time.Duration // Window after which closed-state counts reset
	Timeout             time.Duration // Time spent open before probing half-open
	ConsecutiveFailures uint32        // Consecutive failures that open the breaker
	FailureRatio        float64       // Failure ratio that opens the breaker (e.g., 0.5 for 50%)
	MinRequests         uint32        // Min requests before the ratio is checked
}

// DefaultConfig provides balanced settings for most services.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 15,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// BrokerConfig trips faster than DefaultConfig. A relay cycle publishes
// many messages back to back, so a dead broker shows up quickly.
func BrokerConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.MaxRequests == 0:
		return errors.Join(ErrInvalidConfig, errors.New("max requests must be positive"))
	case c.Timeout <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("timeout must be positive"))
	case c.Interval < 0:
		return errors.Join(ErrInvalidConfig, errors.New("interval cannot be negative"))
	case c.ConsecutiveFailures == 0:
		return errors.Join(ErrInvalidConfig, errors.New("consecutive failures must be positive"))
	case c.FailureRatio <= 0 || c.FailureRatio > 1:
		return errors.Join(ErrInvalidConfig, errors.New("failure ratio must be in (0, 1]"))
	}

	return nil
}

func (c Config) readyToTrip(requests, totalFailures, consecutiveFailures uint32) bool {
	if consecutiveFailures >= c.ConsecutiveFailures {
		return true
	}

	if requests == 0 || requests < c.MinRequests {
		return false
	}

	return float64(totalFailures)/float64(requests) >= c.FailureRatio
}
