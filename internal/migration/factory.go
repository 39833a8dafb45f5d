package migration

import (
	"fmt"

	"github.com/endpointguard/agent/internal/store"
)

// NewMigratorFromStoreConfig builds a versioned migrator from the same
// store.Config used to open the embedded database. Sqlite configs are
// rejected: sqlite schema is owned by gorm's AutoMigrate, not this
// package, so there is nothing for a migrator to do with one.
func NewMigratorFromStoreConfig(cfg store.Config) (*DefaultMigrator, error) {
	var dbType DatabaseType
	switch cfg.Driver {
	case store.DriverPostgres:
		dbType = DatabaseTypePostgres
	case store.DriverMySQL:
		dbType = DatabaseTypeMySQL
	case store.DriverSQLite, "":
		return nil, fmt.Errorf("sqlite schema is managed by gorm AutoMigrate, not this migrator")
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required for driver %s", cfg.Driver)
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  cfg.DSN,
		TableName:    "schema_migrations",
	})
}

// NewMigratorFromURL creates a new migrator from a database URL.
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	if dt == DatabaseTypeSQLite {
		return nil, fmt.Errorf("sqlite schema is managed by gorm AutoMigrate, not this migrator")
	}

	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    "schema_migrations",
	})
}
