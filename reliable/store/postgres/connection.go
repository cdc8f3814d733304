package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrConnectionRequired = errors.New("postgres connection is required")
	ErrNoPrimaryDB        = errors.New("no primary database configured")
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")

	dbOpenFn        = sql.Open
	runMigrationsFn = runMigrations

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config describes how to reach the database.
type Config struct {
	ConnectionStringPrimary string
	// ConnectionStringReplica defaults to the primary.
	ConnectionStringReplica string
	PrimaryDBName           string
	MaxOpenConnections      int
	MaxIdleConnections      int
	// Migrate applies the embedded schema on Connect.
	Migrate bool
}

// Connection holds the primary/replica resolver. Writes and claims use the
// primary; cleanup reads may be served by the replica.
type Connection struct {
	cfg    Config
	logger log.Logger

	mu           sync.RWMutex
	connectionDB dbresolver.DB
	primary      *sql.DB
}

// NewConnection returns an unconnected Connection.
func NewConnection(cfg Config, logger log.Logger) *Connection {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if cfg.ConnectionStringReplica == "" {
		cfg.ConnectionStringReplica = cfg.ConnectionStringPrimary
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	return &Connection{cfg: cfg, logger: logger}
}

// Connect opens both pools, migrates when configured and pings. Calling it
// again replaces the previous pools.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrConnectionRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if c.connectionDB != nil {
		if err := c.closeLocked(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	c.logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := c.open(c.cfg.ConnectionStringPrimary)
	if err != nil {
		return fmt.Errorf("failed to connect to primary database: %s", sanitizeSensitiveError(err))
	}

	var success bool

	defer func() {
		if !success {
			_ = primary.Close()
		}
	}()

	replica, err := c.open(c.cfg.ConnectionStringReplica)
	if err != nil {
		return fmt.Errorf("failed to connect to replica database: %s", sanitizeSensitiveError(err))
	}

	defer func() {
		if !success {
			_ = replica.Close()
		}
	}()

	connectionDB := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if c.cfg.Migrate {
		if err := runMigrationsFn(primary, c.cfg.PrimaryDBName, c.logger); err != nil {
			return err
		}
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		c.logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	c.connectionDB = connectionDB
	c.primary = primary
	success = true

	c.logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Connection) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// Resolver returns the resolver, connecting on first use.
//
//nolint:ireturn
func (c *Connection) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrConnectionRequired
	}

	c.mu.RLock()
	if c.connectionDB != nil {
		db := c.connectionDB
		c.mu.RUnlock()

		return db, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connectionDB != nil {
		return c.connectionDB, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.connectionDB, nil
}

// Primary returns the primary pool, connecting on first use.
func (c *Connection) Primary(ctx context.Context) (*sql.DB, error) {
	if _, err := c.Resolver(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNoPrimaryDB
	}

	return c.primary, nil
}

// IsConnected reports whether the resolver is initialized.
func (c *Connection) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connectionDB != nil
}

// Close releases both pools.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.connectionDB == nil {
		return nil
	}

	err := c.connectionDB.Close()
	c.connectionDB = nil
	c.primary = nil

	return err
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(primary *sql.DB, dbName string, logger log.Logger) error {
	ctx := context.Background()

	if err := validateDBName(dbName); err != nil {
		return err
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := migratepostgres.WithInstance(primary, &migratepostgres.Config{
		DatabaseName: dbName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "migrations applied")

	return nil
}
