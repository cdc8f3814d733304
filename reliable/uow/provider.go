package uow

import (
	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider creates managers sharing the same backends.
type Provider struct {
	backends []Backend
	logger   log.Logger
	tracer   trace.Tracer
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger handed to managers.
func WithLogger(logger log.Logger) Option {
	return func(provider *Provider) {
		if !nilcheck.Interface(logger) {
			provider.logger = logger
		}
	}
}

// WithTracer sets the tracer used for completion spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(provider *Provider) {
		if !nilcheck.Interface(tracer) {
			provider.tracer = tracer
		}
	}
}

// NewProvider returns a Provider over backends. Root units get one inner
// unit per backend, in order.
func NewProvider(backends []Backend, opts ...Option) (*Provider, error) {
	for _, backend := range backends {
		if nilcheck.Interface(backend) {
			return nil, ErrBackendRequired
		}
	}

	provider := &Provider{
		backends: append([]Backend(nil), backends...),
		logger:   log.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer("reliable.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}

	return provider, nil
}

// NewManager starts a new scope.
func (provider *Provider) NewManager() *Manager {
	return newManager(provider.backends, provider.logger, provider.tracer)
}
