package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/LerianStudio/lib-reliable/reliable/config"
	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/inbox"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/LerianStudio/lib-reliable/reliable/opentelemetry"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
	"github.com/LerianStudio/lib-reliable/reliable/runtime"
	"github.com/LerianStudio/lib-reliable/reliable/store/mongo"
	"github.com/LerianStudio/lib-reliable/reliable/store/postgres"
	"github.com/LerianStudio/lib-reliable/reliable/transport/circuitbreaker"
	"github.com/LerianStudio/lib-reliable/reliable/transport/rabbitmq"
	"github.com/LerianStudio/lib-reliable/reliable/uow"
	"go.opentelemetry.io/otel/trace"
)

const brokerService = "rabbitmq"

type stores struct {
	backend uow.Backend
	outbox  outbox.Store
	inbox   inbox.Store
}

// build wires the relay described by cfg. Resources opened before a
// failure are registered as closers, so the caller releases them through
// shutdown.
func build(ctx context.Context, cfg *config.Config, logger log.Logger) (*relay, error) {
	r := newRelay(logger)

	telemetry, err := opentelemetry.NewTelemetry(ctx, cfg.TelemetryConfig(logger))
	if err != nil {
		return r, fmt.Errorf("init telemetry: %w", err)
	}

	telemetry.ApplyGlobals()
	r.addCloser("telemetry", telemetry.Shutdown)

	if err := runtime.InitPanicMetrics(telemetry.MeterProvider); err != nil {
		logger.Log(ctx, log.LevelWarn, "panic metrics disabled", log.Err(err))
	}

	tracer := telemetry.Tracer()

	st, err := openStores(ctx, r, cfg, logger)
	if err != nil {
		return r, err
	}

	provider, err := uow.NewProvider([]uow.Backend{st.backend}, uow.WithLogger(logger), uow.WithTracer(tracer))
	if err != nil {
		return r, err
	}

	conn, err := rabbitmq.NewConnection(cfg.RabbitMQURL(), logger)
	if err != nil {
		return r, err
	}

	r.addCloser("rabbitmq", func(context.Context) error { return conn.Close() })

	if err := declareTopology(ctx, conn, cfg.Topology()); err != nil {
		return r, err
	}

	transport, err := newTransport(ctx, r, cfg, conn, logger)
	if err != nil {
		return r, err
	}

	cleanerCfg := delivery.WithCleanerConfig(cfg.CleanerConfig())

	sender, err := outbox.NewSender(st.outbox, transport, logger, tracer,
		outbox.WithSenderConfig(cfg.OutboxConfig()), outbox.WithSenderProvider(provider))
	if err != nil {
		return r, fmt.Errorf("create outbox sender: %w", err)
	}

	outboxCleaner, err := outbox.NewCleaner(st.outbox, logger, tracer, cleanerCfg)
	if err != nil {
		return r, fmt.Errorf("create outbox cleaner: %w", err)
	}

	r.addApp("outbox-sender", sender)
	r.addApp("outbox-cleaner", outboxCleaner)

	if cfg.RabbitMQ.Queue == "" {
		return r, nil
	}

	if err := wireInbox(ctx, r, cfg, conn, st.inbox, provider, logger, tracer); err != nil {
		return r, err
	}

	return r, nil
}

func openStores(ctx context.Context, r *relay, cfg *config.Config, logger log.Logger) (stores, error) {
	switch cfg.Store {
	case config.StoreMongo:
		client, err := mongo.NewClient(ctx, cfg.MongoConfig(), logger)
		if err != nil {
			return stores{}, err
		}

		r.addCloser("mongo", client.Close)

		outboxStore, err := mongo.NewOutboxStore(client, mongo.WithCollection(cfg.Mongo.OutboxCollection))
		if err != nil {
			return stores{}, err
		}

		inboxStore, err := mongo.NewInboxStore(client, mongo.WithCollection(cfg.Mongo.InboxCollection))
		if err != nil {
			return stores{}, err
		}

		if err := outboxStore.EnsureIndexes(ctx); err != nil {
			return stores{}, err
		}

		if err := inboxStore.EnsureIndexes(ctx); err != nil {
			return stores{}, err
		}

		return stores{backend: mongo.NewBackend(config.StoreMongo), outbox: outboxStore, inbox: inboxStore}, nil
	default:
		conn := postgres.NewConnection(cfg.PostgresConfig(), logger)
		if err := conn.Connect(ctx); err != nil {
			return stores{}, err
		}

		r.addCloser("postgres", func(context.Context) error { return conn.Close() })

		backend, err := postgres.NewBackend(config.StorePostgres, conn)
		if err != nil {
			return stores{}, err
		}

		outboxStore, err := postgres.NewOutboxStore(backend)
		if err != nil {
			return stores{}, err
		}

		inboxStore, err := postgres.NewInboxStore(backend)
		if err != nil {
			return stores{}, err
		}

		return stores{backend: backend, outbox: outboxStore, inbox: inboxStore}, nil
	}
}

func declareTopology(ctx context.Context, conn *rabbitmq.Connection, topology rabbitmq.Topology) error {
	ch, err := conn.Channel(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = ch.Close() }()

	return rabbitmq.DeclareTopology(ch, topology)
}

// newTransport returns the confirmed RabbitMQ transport, guarded by a
// circuit breaker unless disabled.
func newTransport(ctx context.Context, r *relay, cfg *config.Config, conn *rabbitmq.Connection, logger log.Logger) (outbox.Transport, error) {
	ch, err := conn.Channel(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := rabbitmq.NewConfirmablePublisher(ch,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithConfirmTimeout(cfg.RabbitMQ.ConfirmTimeout),
		rabbitmq.WithRecovery(conn.ChannelProvider(ctx)),
	)
	if err != nil {
		_ = ch.Close()

		return nil, err
	}

	r.addCloser("rabbitmq-publisher", func(context.Context) error { return publisher.Close() })

	transport, err := rabbitmq.NewTransport(publisher, cfg.RabbitMQ.Exchange)
	if err != nil {
		return nil, err
	}

	if !cfg.Breaker.Enabled {
		return transport, nil
	}

	manager := circuitbreaker.NewManager(logger)

	guarded, err := circuitbreaker.NewTransport(transport, manager, brokerService, cfg.BreakerConfig())
	if err != nil {
		return nil, err
	}

	checker, err := circuitbreaker.NewHealthChecker(manager, cfg.Breaker.HealthCheckInterval, cfg.Breaker.HealthCheckTimeout, logger)
	if err != nil {
		return nil, err
	}

	checker.Register(brokerService, conn.Connect)
	r.addApp("breaker-health", checker)

	return guarded, nil
}

func wireInbox(
	ctx context.Context,
	r *relay,
	cfg *config.Config,
	conn *rabbitmq.Connection,
	store inbox.Store,
	provider *uow.Provider,
	logger log.Logger,
	tracer trace.Tracer,
) error {
	registry := inbox.NewRegistry()

	for _, key := range cfg.RabbitMQ.ConsumerKeys {
		if err := inbox.Register(registry, key, journalHandler(logger)); err != nil {
			return err
		}
	}

	opts := []inbox.Option{
		inbox.WithStore(store),
		inbox.WithConfig(cfg.InboxConfig()),
		inbox.WithProvider(provider),
	}

	wrapper, err := inbox.NewWrapper(registry, logger, tracer, opts...)
	if err != nil {
		return fmt.Errorf("create inbox wrapper: %w", err)
	}

	r.addCloser("inbox-wrapper", wrapper.Shutdown)

	dispatcher, err := inbox.NewDispatcher(registry, logger, tracer, opts)
	if err != nil {
		return fmt.Errorf("create inbox dispatcher: %w", err)
	}

	inboxCleaner, err := inbox.NewCleaner(store, logger, tracer, delivery.WithCleanerConfig(cfg.CleanerConfig()))
	if err != nil {
		return fmt.Errorf("create inbox cleaner: %w", err)
	}

	ch, err := conn.Channel(ctx)
	if err != nil {
		return err
	}

	consumer, err := rabbitmq.NewConsumer(ch, wrapper, cfg.ConsumerConfig(), logger, tracer)
	if err != nil {
		_ = ch.Close()

		return err
	}

	r.addApp("inbox-dispatcher", dispatcher)
	r.addApp("inbox-cleaner", inboxCleaner)
	r.addApp("rabbitmq-consumer", consumer)

	return nil
}

// journalHandler records inbound messages in the log. The relay keeps the
// inbox rows as the durable journal of what was received.
func journalHandler(logger log.Logger) inbox.Handler[json.RawMessage] {
	return func(ctx context.Context, message json.RawMessage, meta inbox.Metadata) error {
		logger.Log(ctx, log.LevelInfo, "inbound message received",
			log.Consumer(meta.ConsumerKey),
			log.String("routing_key", meta.RoutingKey),
			log.TrackID(meta.TrackID),
			log.Int("size", len(message)),
		)

		return nil
	}
}
