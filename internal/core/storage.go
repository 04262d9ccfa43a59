package core

import (
	"context"
	"fmt"
	"os"

	"slicetune/internal/infra/persistence/memory"
	"slicetune/internal/infra/persistence/postgres"
	"slicetune/internal/infra/persistence/sqlite"
	"slicetune/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and configures the backend.
type StorageConfig struct {
	Driver      StorageDriver `yaml:"driver"`
	SQLitePath  string        `yaml:"sqlite_path"`
	PostgresDSN string        `yaml:"postgres_dsn"`
}

// StorageConfigFromEnv reads the storage settings from the environment.
//
//	SLICETUNE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	SLICETUNE_SQLITE_PATH: path to sqlite file (default ./slicetune.db)
//	SLICETUNE_POSTGRES_DSN: postgres DSN when driver=postgres
func StorageConfigFromEnv() StorageConfig {
	return StorageConfig{
		Driver:      StorageDriver(os.Getenv("SLICETUNE_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("SLICETUNE_SQLITE_PATH"),
		PostgresDSN: os.Getenv("SLICETUNE_POSTGRES_DSN"),
	}
}

// OpenStore constructs the configured backend. Durable stores implement
// io.Closer.
func OpenStore(ctx context.Context, cfg StorageConfig, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// OpenPersistentStore selects a backend using environment variables.
func OpenPersistentStore(ctx context.Context, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	return OpenStore(ctx, StorageConfigFromEnv(), engine)
}
