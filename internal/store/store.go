package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/endpointguard/agent/internal/database"
)

// Common error kinds shared with the store's callers. Other failures are
// the driver's error wrapped with %w; Open enables gorm's error
// translation, so a duplicate key surfaces as gorm.ErrDuplicatedKey.
var (
	ErrNotFound     = errors.New("store: record not found")
	ErrClosed       = errors.New("store: closed")
	ErrInvalidInput = errors.New("store: invalid input")
)

// Driver selects the backing SQL engine.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// Config configures the embedded store.
type Config struct {
	Driver Driver `yaml:"driver"`

	// Path is the sqlite file path (Driver == DriverSQLite).
	Path string `yaml:"path"`

	// DSN is the connection string for postgres/mysql.
	DSN string `yaml:"dsn"`

	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxOpenConns        int           `yaml:"max_open_conns"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// DefaultConfig returns sensible defaults for a single-node embedded store.
func DefaultConfig(path string) Config {
	return Config{
		Driver:              DriverSQLite,
		Path:                path,
		MaxIdleConns:        2,
		MaxOpenConns:        1, // sqlite: serialize writers at the pool level
		ConnMaxLifetime:     time.Hour,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Store is the embedded relational persistence handle shared by the
// queue, command store, and agent identity components. It internally
// serializes writes (sqlite: one connection; postgres/mysql rely on the
// engine) and allows concurrent reads.
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// Open opens (and, if necessary, creates) the embedded database file and
// returns a ready-to-use Store. The caller must call Close on shutdown.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", DriverSQLite:
		dialector = sqlite.Open(cfg.Path)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidInput, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: underlying sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{
		db:     db,
		sqlDB:  sqlDB,
		logger: log.With(zap.String("component", "store")),
	}

	if cfg.HealthCheckInterval > 0 {
		go s.healthCheckLoop(cfg.HealthCheckInterval)
	}

	return s, nil
}

// DB returns the underlying *gorm.DB. Used by sub-stores (queue, command
// store, identity) to run AutoMigrate and table-scoped queries.
func (s *Store) DB() *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Ping checks the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.sqlDB.PingContext(ctx)
}

// Tx runs fn inside a transaction. A transaction must not span a
// suspension point visible to the caller: fn receives a *gorm.DB bound
// to the transaction and must complete synchronously.
func (s *Store) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	db := s.db
	s.mu.RUnlock()

	if err := db.WithContext(ctx).Transaction(fn); err != nil {
		return fmt.Errorf("store: transaction: %w", err)
	}
	return nil
}

// TxRetry runs fn inside a transaction like Tx, but retries on errors that
// look transient (lock contention, dropped connections) with exponential
// backoff, up to maxRetries attempts. Use it for writes that race other
// writers under normal operation, such as a budget-checked queue insert;
// plain Tx is enough for everything else.
func (s *Store) TxRetry(ctx context.Context, maxRetries int, fn func(tx *gorm.DB) error) error {
	return database.Retry(ctx, maxRetries, s.logger, func() error {
		return s.Tx(ctx, fn)
	})
}

// AutoMigrate creates or updates the tables backing the given models.
func (s *Store) AutoMigrate(models ...interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *Store) healthCheckLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Ping(ctx); err != nil {
			s.logger.Error("health check failed", zap.Error(err))
		}
		cancel()
	}
}

// Close releases the underlying connection. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sqlDB.Close()
}
