package config

import (
	"github.com/dcshock/resourcepipe/internal/env"
	"github.com/dcshock/resourcepipe/objstore"
)

// DefaultPoolSize caps Postgres connections leased to progress writes.
const DefaultPoolSize = 4

// ApplyEnv returns s with environment overrides applied:
// DATABASE_URL, RESOURCEPIPE_DB_POOL_SIZE, RESOURCEPIPE_SQLITE_PATH and the
// RESOURCEPIPE_MINIO_* variables read by objstore.ConfigFromEnv.
func (s StorageConfig) ApplyEnv() (StorageConfig, error) {
	poolSize := s.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	poolSize, err := env.Int("RESOURCEPIPE_DB_POOL_SIZE", poolSize)
	if err != nil {
		return StorageConfig{}, err
	}
	obj, err := objstore.ConfigFromEnv(s.ObjectStore)
	if err != nil {
		return StorageConfig{}, err
	}
	return StorageConfig{
		DatabaseURL: env.String("DATABASE_URL", s.DatabaseURL),
		PoolSize:    poolSize,
		ObjectStore: obj,
		SQLitePath:  env.String("RESOURCEPIPE_SQLITE_PATH", s.SQLitePath),
	}, nil
}

// ObjectStoreEnabled reports whether enough is configured to reach a bucket.
func (s StorageConfig) ObjectStoreEnabled() bool {
	return s.ObjectStore.AccessKey != "" && s.ObjectStore.SecretKey != ""
}
