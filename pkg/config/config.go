// Package config provides environment-based configuration for the backup tool.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the backup tool.
type Config struct {
	// Database configuration (record store, not the projects being backed up)
	DatabaseDSN string `yaml:"database_dsn"`

	// Encryption
	MasterKey string `yaml:"master_key"`

	// Authentication
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`

	// Server configuration
	APIHost         string        `yaml:"api_host"`
	APIPort         int           `yaml:"api_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Backup configuration
	Backup BackupConfig `yaml:"backup"`

	// Worker configuration
	Worker WorkerConfig `yaml:"worker"`

	// Cleanup configuration
	Cleanup CleanupConfig `yaml:"cleanup"`

	// S3 storage destination (optional)
	S3 S3Config `yaml:"s3"`
}

// BackupConfig holds backup pipeline configuration.
type BackupConfig struct {
	// TempDir is where dump files are written before processing.
	TempDir string `yaml:"temp_dir"`
	// ArtifactDir is where finished artifacts live until cleanup.
	ArtifactDir string `yaml:"artifact_dir"`
	// MaxRetries bounds manual re-enqueueing of failed backups.
	MaxRetries int `yaml:"max_retries"`
	// DownloadTokenTTL is the lifetime of issued download tokens.
	DownloadTokenTTL time.Duration `yaml:"download_token_ttl"`
	// DumpTimeout bounds a single pg_dump invocation.
	DumpTimeout time.Duration `yaml:"dump_timeout"`
	// AgePublicKey, when set, enables artifact encryption after compression.
	// Format: age1... (Bech32 encoded)
	AgePublicKey string `yaml:"age_public_key"`
}

// WorkerConfig holds scheduled-backup worker configuration.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// CleanupConfig holds cleanup service configuration.
type CleanupConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// S3Config holds the optional S3 storage destination configuration.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Load reads configuration from environment variables, with an optional
// YAML file overlay pointed to by CONFIG_FILE. Environment variables win.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", "postgres://localhost:5432/supabase_backup?sslmode=disable"),
		MasterKey:       getEnv("ENCRYPTION_MASTER_KEY", ""),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTExpiry:       getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 8080),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Backup: BackupConfig{
			TempDir:          getEnv("BACKUP_TEMP_DIR", "./data/temp"),
			ArtifactDir:      getEnv("BACKUP_DIR", "./data/backups"),
			MaxRetries:       getIntEnv("BACKUP_MAX_RETRIES", 3),
			DownloadTokenTTL: getDurationEnv("DOWNLOAD_TOKEN_TTL", time.Hour),
			DumpTimeout:      getDurationEnv("PG_DUMP_TIMEOUT", 30*time.Minute),
			AgePublicKey:     getEnv("BACKUP_AGE_PUBLIC_KEY", ""),
		},
		Worker: WorkerConfig{
			Concurrency: getIntEnv("WORKER_CONCURRENCY", 2),
		},
		Cleanup: CleanupConfig{
			Interval: getDurationEnv("CLEANUP_INTERVAL", 15*time.Minute),
		},
		S3: S3Config{
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Bucket:    getEnv("S3_BUCKET", ""),
			AccessKey: getEnv("S3_ACCESS_KEY", ""),
			SecretKey: getEnv("S3_SECRET_KEY", ""),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyFile overlays values from a YAML file for keys not set in the environment.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	if c.MasterKey == "" {
		c.MasterKey = file.MasterKey
	}
	if c.JWTSecret == "" {
		c.JWTSecret = file.JWTSecret
	}
	if os.Getenv("DATABASE_URL") == "" && file.DatabaseDSN != "" {
		c.DatabaseDSN = file.DatabaseDSN
	}
	if os.Getenv("BACKUP_AGE_PUBLIC_KEY") == "" && file.Backup.AgePublicKey != "" {
		c.Backup.AgePublicKey = file.Backup.AgePublicKey
	}
	if os.Getenv("S3_BUCKET") == "" && file.S3.Bucket != "" {
		c.S3 = file.S3
	}

	return nil
}

// Validate checks that required configuration values are set.
// A missing master key is fatal here, once, rather than per encryption call.
func (c *Config) Validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("ENCRYPTION_MASTER_KEY is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.Backup.MaxRetries < 0 {
		return fmt.Errorf("BACKUP_MAX_RETRIES must not be negative")
	}
	if c.Backup.DownloadTokenTTL <= 0 {
		return fmt.Errorf("DOWNLOAD_TOKEN_TTL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
