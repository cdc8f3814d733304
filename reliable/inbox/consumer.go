package inbox

import "time"

const (
	defaultRetryTimes         = 5
	defaultRetryDelay         = 500 * time.Millisecond
	defaultSlowProcessWarning = 10 * time.Second
)

// Metadata describes the message handed to a handler.
type Metadata struct {
	// MessageID is the inbox row id, or "" when no store is configured.
	MessageID   string
	ConsumerKey string
	// RoutingKey is set for messages received from the bus. Messages
	// retried by the dispatcher do not carry it.
	RoutingKey string
	TrackID    string
	// RetryCount is the number of failed attempts recorded on the row.
	RetryCount int
	// FromDispatcher is true when the dispatcher loop is retrying a row.
	FromDispatcher bool
}

type consumerOptions struct {
	handleWhen          func(Metadata) bool
	autoBeginUow        bool
	autoDeleteProcessed bool
	allowBackground     bool
	retryTimes          int
	retryDelay          time.Duration
	slowProcessWarning  time.Duration
}

func defaultConsumerOptions() consumerOptions {
	return consumerOptions{
		autoBeginUow:       true,
		retryTimes:         defaultRetryTimes,
		retryDelay:         defaultRetryDelay,
		slowProcessWarning: defaultSlowProcessWarning,
	}
}

// ConsumerOption configures a registered consumer.
type ConsumerOption func(*consumerOptions)

// HandleWhen filters bus messages. Messages rejected by accept are
// acknowledged without recording a row or running the handler.
func HandleWhen(accept func(Metadata) bool) ConsumerOption {
	return func(o *consumerOptions) {
		o.handleWhen = accept
	}
}

// AutoBeginUow runs the handler inside a new unit of work together with
// the inbox row writes, so they commit atomically. Enabled by default.
func AutoBeginUow(enabled bool) ConsumerOption {
	return func(o *consumerOptions) {
		o.autoBeginUow = enabled
	}
}

// AutoDeleteProcessed deletes the inbox row once handled instead of
// keeping it as Processed.
func AutoDeleteProcessed(enabled bool) ConsumerOption {
	return func(o *consumerOptions) {
		o.autoDeleteProcessed = enabled
	}
}

// AllowBackground lets the wrapper return as soon as the message is
// accepted and handle it in the background.
func AllowBackground(enabled bool) ConsumerOption {
	return func(o *consumerOptions) {
		o.allowBackground = enabled
	}
}

// RetryOnFailed retries a failing handler times more, waiting delay
// between attempts, before the row is recorded as Failed.
func RetryOnFailed(times int, delay time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		if times < 0 {
			times = 0
		}

		if delay < 0 {
			delay = 0
		}

		o.retryTimes = times
		o.retryDelay = delay
	}
}

// SlowProcessWarning sets the handler duration above which a warning is
// logged when Config.LogConsumerProcessTime is on.
func SlowProcessWarning(threshold time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		if threshold > 0 {
			o.slowProcessWarning = threshold
		}
	}
}
