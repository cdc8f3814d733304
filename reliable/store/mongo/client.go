package mongo

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliable/reliable/opentelemetry"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultHeartbeatInterval      = 10 * time.Second
	maxMaxPoolSize                = 1000
)

var (
	ErrNilClient           = errors.New("mongo client is nil")
	ErrClientClosed        = errors.New("mongo client is closed")
	ErrInvalidConfig       = errors.New("invalid mongo config")
	ErrEmptyURI            = errors.New("mongo uri cannot be empty")
	ErrEmptyDatabaseName   = errors.New("database name cannot be empty")
	ErrEmptyCollectionName = errors.New("collection name cannot be empty")
	ErrConnect             = errors.New("mongo connect failed")
	ErrPing                = errors.New("mongo ping failed")
	ErrDisconnect          = errors.New("mongo disconnect failed")
	ErrCreateIndex         = errors.New("mongo create index failed")
)

// TLSConfig configures TLS validation for MongoDB connections.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

// Config defines MongoDB connection and pool behavior.
type Config struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	ServerSelectionTimeout time.Duration
	HeartbeatInterval      time.Duration
	TLS                    *TLSConfig
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.URI) == "" {
		return ErrEmptyURI
	}

	if strings.TrimSpace(cfg.Database) == "" {
		return ErrEmptyDatabaseName
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		return fmt.Errorf("%w: TLS CA cert is required when TLS is configured", ErrInvalidConfig)
	}

	return nil
}

// Option customizes client dependencies, mostly for tests.
type Option func(*clientDeps)

type clientDeps struct {
	connect     func(context.Context, *options.ClientOptions) (*mongo.Client, error)
	ping        func(context.Context, *mongo.Client) error
	disconnect  func(context.Context, *mongo.Client) error
	createIndex func(context.Context, *mongo.Collection, mongo.IndexModel) error
}

func defaultDeps() clientDeps {
	return clientDeps{
		connect: func(ctx context.Context, clientOptions *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, clientOptions)
		},
		ping: func(ctx context.Context, client *mongo.Client) error {
			return client.Ping(ctx, nil)
		},
		disconnect: func(ctx context.Context, client *mongo.Client) error {
			return client.Disconnect(ctx)
		},
		createIndex: func(ctx context.Context, collection *mongo.Collection, index mongo.IndexModel) error {
			_, err := collection.Indexes().CreateOne(ctx, index)

			return err
		},
	}
}

// Client wraps a MongoDB client bound to one database.
type Client struct {
	cfg    Config
	logger log.Logger
	deps   clientDeps

	mu     sync.RWMutex
	client *mongo.Client
}

// NewClient validates cfg, connects and pings.
func NewClient(ctx context.Context, cfg Config, logger log.Logger, opts ...Option) (*Client, error) {
	if cfg.MaxPoolSize > maxMaxPoolSize {
		cfg.MaxPoolSize = maxMaxPoolSize
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	deps := defaultDeps()

	for _, opt := range opts {
		if opt != nil {
			opt(&deps)
		}
	}

	client := &Client{cfg: cfg, logger: logger, deps: deps}

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

// Connect establishes the connection if one is not already open.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	ctx, span := otel.Tracer("mongo").Start(ctx, "mongo.connect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "mongodb"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	if err := c.connectLocked(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to connect to mongo", err)

		return err
	}

	return nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	clientOptions := options.Client().ApplyURI(c.cfg.URI)

	serverSelectionTimeout := c.cfg.ServerSelectionTimeout
	if serverSelectionTimeout <= 0 {
		serverSelectionTimeout = defaultServerSelectionTimeout
	}

	heartbeatInterval := c.cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	clientOptions.SetServerSelectionTimeout(serverSelectionTimeout)
	clientOptions.SetHeartbeatInterval(heartbeatInterval)

	if c.cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(c.cfg.MaxPoolSize)
	}

	if c.cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*c.cfg.TLS)
		if err != nil {
			return fmt.Errorf("%w: TLS configuration: %w", ErrConnect, err)
		}

		clientOptions.SetTLSConfig(tlsCfg)
	}

	mongoClient, err := c.deps.connect(ctx, clientOptions)
	if err != nil {
		c.logger.Log(ctx, log.LevelError, "mongo connect failed", log.Err(err))

		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if err := c.deps.ping(ctx, mongoClient); err != nil {
		if disconnectErr := c.deps.disconnect(ctx, mongoClient); disconnectErr != nil {
			c.logger.Log(ctx, log.LevelWarn, "failed to disconnect after ping failure", log.Err(disconnectErr))
		}

		return fmt.Errorf("%w: %w", ErrPing, err)
	}

	c.client = mongoClient

	if c.cfg.TLS == nil && !isTLSImplied(c.cfg.URI) {
		c.logger.Log(ctx, log.LevelWarn, "mongo connection established without TLS")
	}

	return nil
}

// Database returns the configured database handle.
func (c *Client) Database() (*mongo.Database, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, ErrClientClosed
	}

	return c.client.Database(c.cfg.Database), nil
}

// Collection returns a handle on name within the configured database.
func (c *Client) Collection(name string) (*mongo.Collection, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyCollectionName
	}

	db, err := c.Database()
	if err != nil {
		return nil, err
	}

	return db.Collection(name), nil
}

// Ping checks MongoDB availability.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return ErrClientClosed
	}

	if err := c.deps.ping(ctx, client); err != nil {
		return fmt.Errorf("%w: %w", ErrPing, err)
	}

	return nil
}

// Close disconnects. The client is marked closed even when disconnecting
// fails.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.deps.disconnect(ctx, c.client)
	c.client = nil

	if err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnect, err)
	}

	return nil
}

// EnsureIndexes creates indexes on collection if they do not exist.
func (c *Client) EnsureIndexes(ctx context.Context, collection string, indexes ...mongo.IndexModel) error {
	coll, err := c.Collection(collection)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer("mongo").Start(ctx, "mongo.ensure_indexes")
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "mongodb"),
		attribute.String("db.mongodb.collection", collection),
	)

	var errs []error

	for _, index := range indexes {
		if err := c.deps.createIndex(ctx, coll, index); err != nil {
			errs = append(errs, fmt.Errorf("%w: collection=%s: %w", ErrCreateIndex, collection, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to ensure mongo indexes", err)

		return err
	}

	return nil
}

// buildTLSConfig accepts TLS 1.2 or 1.3 as minimum version, defaulting to
// 1.2.
func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	caCert, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding CA cert: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("adding CA cert to pool failed: %w", ErrInvalidConfig)
	}

	tlsConfig := &tls.Config{RootCAs: caCertPool, MinVersion: tls.VersionTLS12}

	switch cfg.MinVersion {
	case 0, tls.VersionTLS12:
	case tls.VersionTLS13:
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("%w: unsupported TLS MinVersion %#x", ErrInvalidConfig, cfg.MinVersion)
	}

	return tlsConfig, nil
}

func isTLSImplied(uri string) bool {
	return strings.HasPrefix(uri, "mongodb+srv://") ||
		strings.Contains(uri, "tls=true") ||
		strings.Contains(uri, "ssl=true")
}
