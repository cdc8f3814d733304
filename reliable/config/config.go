package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/delivery"
	"github.com/LerianStudio/lib-reliable/reliable/inbox"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/LerianStudio/lib-reliable/reliable/opentelemetry"
	"github.com/LerianStudio/lib-reliable/reliable/outbox"
	"github.com/LerianStudio/lib-reliable/reliable/store/mongo"
	"github.com/LerianStudio/lib-reliable/reliable/store/postgres"
	"github.com/LerianStudio/lib-reliable/reliable/transport/circuitbreaker"
	"github.com/LerianStudio/lib-reliable/reliable/transport/rabbitmq"
	libZap "github.com/LerianStudio/lib-reliable/reliable/zap"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "RELIABLE"

var ErrInvalidConfig = errors.New("invalid relay config")

// Store backends the relay can run on.
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

type TelemetryConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type PostgresConfig struct {
	PrimaryDSN   string `mapstructure:"primary_dsn"`
	ReplicaDSN   string `mapstructure:"replica_dsn"`
	DBName       string `mapstructure:"db_name"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	Migrate      bool   `mapstructure:"migrate"`
}

type MongoConfig struct {
	URI                    string        `mapstructure:"uri"`
	Database               string        `mapstructure:"database"`
	MaxPoolSize            uint64        `mapstructure:"max_pool_size"`
	ServerSelectionTimeout time.Duration `mapstructure:"server_selection_timeout"`
	OutboxCollection       string        `mapstructure:"outbox_collection"`
	InboxCollection        string        `mapstructure:"inbox_collection"`
}

type RabbitMQConfig struct {
	// URL wins over the discrete connection fields when set.
	URL      string `mapstructure:"url"`
	Protocol string `mapstructure:"protocol"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`

	Exchange       string        `mapstructure:"exchange"`
	ExchangeType   string        `mapstructure:"exchange_type"`
	Queue          string        `mapstructure:"queue"`
	BindingKeys    []string      `mapstructure:"binding_keys"`
	ConsumerKeys   []string      `mapstructure:"consumer_keys"`
	ConsumerTag    string        `mapstructure:"consumer_tag"`
	Prefetch       int           `mapstructure:"prefetch"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	DLXExchange    string        `mapstructure:"dlx_exchange"`
	DLQ            string        `mapstructure:"dlq"`
}

type OutboxConfig struct {
	SendInterval  time.Duration `mapstructure:"send_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxProcessing time.Duration `mapstructure:"max_processing"`
	RetryUnit     time.Duration `mapstructure:"retry_unit"`
	MaxParallel   int           `mapstructure:"max_parallel"`
	MaxJitter     time.Duration `mapstructure:"max_jitter"`
}

type InboxConfig struct {
	DispatchInterval       time.Duration `mapstructure:"dispatch_interval"`
	BatchSize              int           `mapstructure:"batch_size"`
	MaxProcessing          time.Duration `mapstructure:"max_processing"`
	RetryUnit              time.Duration `mapstructure:"retry_unit"`
	MaxParallel            int           `mapstructure:"max_parallel"`
	MaxJitter              time.Duration `mapstructure:"max_jitter"`
	LogConsumerProcessTime bool          `mapstructure:"log_consumer_process_time"`
}

type CleanerConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	PageSize          int           `mapstructure:"page_size"`
	ProcessedExpiry   time.Duration `mapstructure:"processed_expiry"`
	FailedExpiry      time.Duration `mapstructure:"failed_expiry"`
	MaxStoreProcessed int64         `mapstructure:"max_store_processed"`
}

type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	FailureRatio        float64       `mapstructure:"failure_ratio"`
	MinRequests         uint32        `mapstructure:"min_requests"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
}

// Config is the relay configuration.
type Config struct {
	// Store selects the backend: StorePostgres or StoreMongo.
	Store     string          `mapstructure:"store"`
	Service   ServiceConfig   `mapstructure:"service"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Inbox     InboxConfig     `mapstructure:"inbox"`
	Cleaner   CleanerConfig   `mapstructure:"cleaner"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
}

func setDefaults(v *viper.Viper) {
	outboxDefaults := outbox.DefaultConfig()
	inboxDefaults := inbox.DefaultConfig()
	cleanerDefaults := delivery.DefaultCleanerConfig()
	breakerDefaults := circuitbreaker.BrokerConfig()

	defaults := map[string]any{
		"store":               StorePostgres,
		"service.name":        "reliable-relay",
		"service.version":     "dev",
		"service.environment": string(libZap.EnvironmentLocal),
		"service.log_level":   "",

		"telemetry.enabled":            false,
		"telemetry.collector_endpoint": "localhost:4317",

		"postgres.primary_dsn":    "",
		"postgres.replica_dsn":    "",
		"postgres.db_name":        "",
		"postgres.max_open_conns": 0,
		"postgres.max_idle_conns": 0,
		"postgres.migrate":        true,

		"mongo.uri":                      "",
		"mongo.database":                 "",
		"mongo.max_pool_size":            0,
		"mongo.server_selection_timeout": 0,
		"mongo.outbox_collection":        mongo.DefaultOutboxCollection,
		"mongo.inbox_collection":         mongo.DefaultInboxCollection,

		"rabbitmq.url":             "",
		"rabbitmq.protocol":        "amqp",
		"rabbitmq.host":            "localhost",
		"rabbitmq.port":            "5672",
		"rabbitmq.user":            "guest",
		"rabbitmq.password":        "guest",
		"rabbitmq.vhost":           "",
		"rabbitmq.exchange":        "reliable.events",
		"rabbitmq.exchange_type":   "topic",
		"rabbitmq.queue":           "",
		"rabbitmq.binding_keys":    []string{"#"},
		"rabbitmq.consumer_keys":   []string{},
		"rabbitmq.consumer_tag":    "",
		"rabbitmq.prefetch":        10,
		"rabbitmq.confirm_timeout": rabbitmq.DefaultConfirmTimeout,
		"rabbitmq.dlx_exchange":    "",
		"rabbitmq.dlq":             "",

		"outbox.send_interval":  outboxDefaults.SendInterval,
		"outbox.batch_size":     outboxDefaults.BatchSize,
		"outbox.max_processing": outboxDefaults.MaxProcessing,
		"outbox.retry_unit":     outboxDefaults.RetryUnit,
		"outbox.max_parallel":   outboxDefaults.MaxParallel,
		"outbox.max_jitter":     outboxDefaults.MaxJitter,

		"inbox.dispatch_interval":         inboxDefaults.DispatchInterval,
		"inbox.batch_size":                inboxDefaults.BatchSize,
		"inbox.max_processing":            inboxDefaults.MaxProcessing,
		"inbox.retry_unit":                inboxDefaults.RetryUnit,
		"inbox.max_parallel":              inboxDefaults.MaxParallel,
		"inbox.max_jitter":                inboxDefaults.MaxJitter,
		"inbox.log_consumer_process_time": false,

		"cleaner.interval":            cleanerDefaults.Interval,
		"cleaner.page_size":           cleanerDefaults.PageSize,
		"cleaner.processed_expiry":    cleanerDefaults.ProcessedExpiry,
		"cleaner.failed_expiry":       cleanerDefaults.FailedExpiry,
		"cleaner.max_store_processed": cleanerDefaults.MaxStoreProcessed,

		"breaker.enabled":               true,
		"breaker.max_requests":          breakerDefaults.MaxRequests,
		"breaker.interval":              breakerDefaults.Interval,
		"breaker.timeout":               breakerDefaults.Timeout,
		"breaker.consecutive_failures":  breakerDefaults.ConsecutiveFailures,
		"breaker.failure_ratio":         breakerDefaults.FailureRatio,
		"breaker.min_requests":          breakerDefaults.MinRequests,
		"breaker.health_check_interval": 10 * time.Second,
		"breaker.health_check_timeout":  3 * time.Second,
	}

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads paths in order, then the environment. Paths named .env or
// *.env are dotenv files and only fill variables not already set; other
// paths are merged as config files. Missing files are skipped.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for _, path := range paths {
		if isDotenv(path) {
			if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}

			continue
		}

		v.SetConfigFile(path)

		if err := v.MergeInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func isDotenv(path string) bool {
	base := filepath.Base(path)

	return base == ".env" || strings.HasPrefix(base, ".env.") || filepath.Ext(base) == ".env"
}

// Validate checks the settings the selected store and transport need.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if strings.TrimSpace(c.Postgres.PrimaryDSN) == "" {
			return fmt.Errorf("%w: postgres.primary_dsn is required", ErrInvalidConfig)
		}
	case StoreMongo:
		if strings.TrimSpace(c.Mongo.URI) == "" || strings.TrimSpace(c.Mongo.Database) == "" {
			return fmt.Errorf("%w: mongo.uri and mongo.database are required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}

	if c.RabbitMQ.Queue != "" && len(c.RabbitMQ.ConsumerKeys) == 0 {
		return fmt.Errorf("%w: rabbitmq.consumer_keys are required when a queue is consumed", ErrInvalidConfig)
	}

	if c.Breaker.Enabled {
		if err := c.BreakerConfig().Validate(); err != nil {
			return fmt.Errorf("%w: breaker: %w", ErrInvalidConfig, err)
		}
	}

	return nil
}

// OutboxConfig returns the producer and sender configuration.
func (c Config) OutboxConfig() outbox.Config {
	cfg := outbox.DefaultConfig()
	cfg.SendInterval = c.Outbox.SendInterval
	cfg.BatchSize = c.Outbox.BatchSize
	cfg.MaxProcessing = c.Outbox.MaxProcessing
	cfg.RetryUnit = c.Outbox.RetryUnit
	cfg.MaxParallel = c.Outbox.MaxParallel
	cfg.MaxJitter = c.Outbox.MaxJitter

	return cfg
}

// InboxConfig returns the wrapper and dispatcher configuration.
func (c Config) InboxConfig() inbox.Config {
	cfg := inbox.DefaultConfig()
	cfg.DispatchInterval = c.Inbox.DispatchInterval
	cfg.BatchSize = c.Inbox.BatchSize
	cfg.MaxProcessing = c.Inbox.MaxProcessing
	cfg.RetryUnit = c.Inbox.RetryUnit
	cfg.MaxParallel = c.Inbox.MaxParallel
	cfg.MaxJitter = c.Inbox.MaxJitter
	cfg.LogConsumerProcessTime = c.Inbox.LogConsumerProcessTime

	return cfg
}

// CleanerConfig returns the retention configuration shared by both
// cleaners.
func (c Config) CleanerConfig() delivery.CleanerConfig {
	return delivery.CleanerConfig{
		Interval:          c.Cleaner.Interval,
		PageSize:          c.Cleaner.PageSize,
		ProcessedExpiry:   c.Cleaner.ProcessedExpiry,
		FailedExpiry:      c.Cleaner.FailedExpiry,
		MaxStoreProcessed: c.Cleaner.MaxStoreProcessed,
	}
}

func (c Config) PostgresConfig() postgres.Config {
	return postgres.Config{
		ConnectionStringPrimary: c.Postgres.PrimaryDSN,
		ConnectionStringReplica: c.Postgres.ReplicaDSN,
		PrimaryDBName:           c.Postgres.DBName,
		MaxOpenConnections:      c.Postgres.MaxOpenConns,
		MaxIdleConnections:      c.Postgres.MaxIdleConns,
		Migrate:                 c.Postgres.Migrate,
	}
}

func (c Config) MongoConfig() mongo.Config {
	return mongo.Config{
		URI:                    c.Mongo.URI,
		Database:               c.Mongo.Database,
		MaxPoolSize:            c.Mongo.MaxPoolSize,
		ServerSelectionTimeout: c.Mongo.ServerSelectionTimeout,
	}
}

// RabbitMQURL returns RabbitMQ.URL, or builds one from the discrete
// connection fields.
func (c Config) RabbitMQURL() string {
	if strings.TrimSpace(c.RabbitMQ.URL) != "" {
		return c.RabbitMQ.URL
	}

	r := c.RabbitMQ

	return rabbitmq.BuildConnectionString(r.Protocol, r.User, r.Password, r.Host, r.Port, r.VHost)
}

func (c Config) Topology() rabbitmq.Topology {
	return rabbitmq.Topology{
		Exchange:        c.RabbitMQ.Exchange,
		ExchangeType:    c.RabbitMQ.ExchangeType,
		Queue:           c.RabbitMQ.Queue,
		BindingKeys:     c.RabbitMQ.BindingKeys,
		DLXExchangeName: c.RabbitMQ.DLXExchange,
		DLQName:         c.RabbitMQ.DLQ,
	}
}

func (c Config) ConsumerConfig() rabbitmq.ConsumerConfig {
	return rabbitmq.ConsumerConfig{
		Queue:        c.RabbitMQ.Queue,
		ConsumerKeys: c.RabbitMQ.ConsumerKeys,
		Tag:          c.RabbitMQ.ConsumerTag,
		Prefetch:     c.RabbitMQ.Prefetch,
	}
}

func (c Config) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		MaxRequests:         c.Breaker.MaxRequests,
		Interval:            c.Breaker.Interval,
		Timeout:             c.Breaker.Timeout,
		ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
		FailureRatio:        c.Breaker.FailureRatio,
		MinRequests:         c.Breaker.MinRequests,
	}
}

func (c Config) ZapConfig() libZap.Config {
	return libZap.Config{
		Environment:     libZap.Environment(c.Service.Environment),
		Level:           c.Service.LogLevel,
		OTelLibraryName: c.Service.Name,
	}
}

func (c Config) TelemetryConfig(logger log.Logger) opentelemetry.TelemetryConfig {
	return opentelemetry.TelemetryConfig{
		LibraryName:               c.Service.Name,
		ServiceName:               c.Service.Name,
		ServiceVersion:            c.Service.Version,
		DeploymentEnv:             c.Service.Environment,
		CollectorExporterEndpoint: c.Telemetry.CollectorEndpoint,
		EnableTelemetry:           c.Telemetry.Enabled,
		Logger:                    logger,
	}
}
