package objstore

import (
	"strings"

	"github.com/dcshock/resourcepipe/internal/env"
	"github.com/pkg/errors"
)

// Config locates the bucket artifacts are written to.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`
	// Concurrency caps parallel uploads within one SaveBatch call.
	Concurrency int `yaml:"concurrency"`
}

// DefaultConcurrency is used when Config.Concurrency is not set.
const DefaultConcurrency = 8

// ConfigFromEnv reads RESOURCEPIPE_MINIO_* variables on top of def.
func ConfigFromEnv(def Config) (Config, error) {
	useSSL, err := env.Bool("RESOURCEPIPE_MINIO_USE_SSL", def.UseSSL)
	if err != nil {
		return Config{}, err
	}
	concurrency, err := env.Int("RESOURCEPIPE_MINIO_CONCURRENCY", def.Concurrency)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:    env.String("RESOURCEPIPE_MINIO_ENDPOINT", orDefault(def.Endpoint, "localhost:9000")),
		AccessKey:   env.String("RESOURCEPIPE_MINIO_ACCESS_KEY", def.AccessKey),
		SecretKey:   env.String("RESOURCEPIPE_MINIO_SECRET_KEY", def.SecretKey),
		Region:      env.String("RESOURCEPIPE_MINIO_REGION", orDefault(def.Region, "us-east-1")),
		UseSSL:      useSSL,
		Bucket:      env.String("RESOURCEPIPE_MINIO_BUCKET", orDefault(def.Bucket, "artifacts")),
		Prefix:      env.String("RESOURCEPIPE_MINIO_PREFIX", def.Prefix),
		Concurrency: concurrency,
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if c.Concurrency < 0 {
		return errors.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
