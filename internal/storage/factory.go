package storage

import (
	"fmt"
	"strings"

	"rlguard/internal/models"
)

// Factory provides a centralized way to create storage instances based on configuration.
type Factory struct{}

// NewFactory creates a new storage factory
func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates a storage provider based on the provided configuration.
// Supported providers:
//   - memory: In-memory storage (single process, lost on restart)
//   - postgres: PostgreSQL database storage (shared across replicas)
//   - sqlite: SQLite database storage (single node, persistent)
//   - redis: Redis storage (shared across replicas)
func (f *Factory) Create(config models.StorageConfig) (Store, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	storageConfig := Config{
		Type:             config.Type,
		ConnectionString: config.Database.DSN,
		MaxOpenConns:     config.Database.MaxOpenConns,
		MaxIdleConns:     config.Database.MaxIdleConns,
		ConnMaxLifetime:  config.Database.ConnMaxLifetime,
		ConnMaxIdleTime:  config.Database.ConnMaxIdleTime,
		RedisAddr:        config.Redis.Addr,
		RedisPassword:    config.Redis.Password,
		RedisDB:          config.Redis.DB,
		RedisPoolSize:    config.Redis.PoolSize,
		KeyPrefix:        config.Redis.KeyPrefix,
	}

	switch config.Type {
	case models.StorageTypeMemory:
		return NewMemoryStore(storageConfig)
	case models.StorageTypePostgres:
		return NewPostgresStore(storageConfig)
	case models.StorageTypeSQLite:
		return NewSQLiteStore(storageConfig)
	case models.StorageTypeRedis:
		return NewRedisStore(storageConfig)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: %s)",
			config.Type, strings.Join(f.GetSupportedProviders(), ", "))
	}
}

// GetSupportedProviders returns a list of all supported storage provider types
func (f *Factory) GetSupportedProviders() []string {
	return []string{models.StorageTypeMemory, models.StorageTypePostgres, models.StorageTypeSQLite, models.StorageTypeRedis}
}

// ValidateConfig validates that a storage configuration is valid for its type
func (f *Factory) ValidateConfig(config models.StorageConfig) error {
	switch config.Type {
	case models.StorageTypeMemory:
		// Memory storage requires no additional configuration
	case models.StorageTypePostgres, models.StorageTypeSQLite:
		if config.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s storage", config.Type)
		}
	case models.StorageTypeRedis:
		if config.Redis.Addr == "" {
			return fmt.Errorf("address is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s (supported: %s)",
			config.Type, strings.Join(f.GetSupportedProviders(), ", "))
	}
	return nil
}
