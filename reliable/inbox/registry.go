package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
)

// Handler consumes one decoded message.
type Handler[T any] func(ctx context.Context, message T, meta Metadata) error

// Consumer is a registered handler together with its options.
type Consumer struct {
	key     string
	options consumerOptions
	invoke  func(ctx context.Context, payload []byte, meta Metadata) error
}

// Key returns the consumer key.
func (c *Consumer) Key() string {
	return c.key
}

// Invoke decodes payload and calls the handler. Decode failures wrap
// delivery.ErrResolutionFailure.
func (c *Consumer) Invoke(ctx context.Context, payload []byte, meta Metadata) error {
	return c.invoke(ctx, payload, meta)
}

func (c *Consumer) accepts(meta Metadata) bool {
	return c.options.handleWhen == nil || c.options.handleWhen(meta)
}

// Registry maps consumer keys to handlers. It is filled at startup and read
// concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	consumers map[string]*Consumer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{consumers: map[string]*Consumer{}}
}

// Register binds handler to key. The payload is decoded as JSON into T.
func Register[T any](registry *Registry, key string, handler Handler[T], opts ...ConsumerOption) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	normalizedKey := strings.TrimSpace(key)
	if err := validateConsumerKey(normalizedKey); err != nil {
		return err
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	options := defaultConsumerOptions()

	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	consumer := &Consumer{
		key:     normalizedKey,
		options: options,
		invoke: func(ctx context.Context, payload []byte, meta Metadata) error {
			var message T
			if err := json.Unmarshal(payload, &message); err != nil {
				return fmt.Errorf("%w: %w: %T: %w", delivery.ErrResolutionFailure, ErrPayloadDecode, message, err)
			}

			return handler(ctx, message, meta)
		},
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.consumers == nil {
		registry.consumers = make(map[string]*Consumer)
	}

	if _, exists := registry.consumers[normalizedKey]; exists {
		return fmt.Errorf("%w: %s", ErrConsumerAlreadyRegistered, normalizedKey)
	}

	registry.consumers[normalizedKey] = consumer

	return nil
}

// Resolve returns the consumer registered under key. An unknown key wraps
// both ErrConsumerNotFound and delivery.ErrResolutionFailure.
func (registry *Registry) Resolve(key string) (*Consumer, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	normalizedKey := strings.TrimSpace(key)

	registry.mu.RLock()
	consumer, ok := registry.consumers[normalizedKey]
	registry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", delivery.ErrResolutionFailure, ErrConsumerNotFound, normalizedKey)
	}

	return consumer, nil
}

// Keys returns the registered consumer keys.
func (registry *Registry) Keys() []string {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	keys := make([]string, 0, len(registry.consumers))
	for key := range registry.consumers {
		keys = append(keys, key)
	}

	return keys
}
