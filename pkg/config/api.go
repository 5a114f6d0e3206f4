package config

import "fmt"

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen        string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins   []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit     RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	MaxUploadSize string          `yaml:"max_upload_size" mapstructure:"max_upload_size"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// StorageConfig selects the backend that holds report files. Only one
// backend (S3 or local) may be enabled at a time.
type StorageConfig struct {
	S3    *S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	Local *LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// LocalStorageConfig reads and writes reports on the local filesystem.
// DiscoveryPaths maps a name to a directory scanned for *.xml reports;
// ArchiveDir receives archived uploads.
type LocalStorageConfig struct {
	Enabled        bool              `yaml:"enabled" mapstructure:"enabled"`
	DiscoveryPaths map[string]string `yaml:"discovery_paths,omitempty" mapstructure:"discovery_paths"`
	ArchiveDir     string            `yaml:"archive_dir,omitempty" mapstructure:"archive_dir"`
}

// S3Config contains settings for S3-compatible report storage.
type S3Config struct {
	Enabled         bool     `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string   `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string   `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string   `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string   `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool     `yaml:"force_path_style" mapstructure:"force_path_style"`
	DiscoveryPaths  []string `yaml:"discovery_paths,omitempty" mapstructure:"discovery_paths"`
}

// S3Enabled reports whether the S3 backend is enabled.
func (s *StorageConfig) S3Enabled() bool {
	return s.S3 != nil && s.S3.Enabled
}

// LocalEnabled reports whether the local backend is enabled.
func (s *StorageConfig) LocalEnabled() bool {
	return s.Local != nil && s.Local.Enabled
}

// Configured reports whether any storage backend is enabled.
func (s *StorageConfig) Configured() bool {
	return s.S3Enabled() || s.LocalEnabled()
}

// Validate checks the storage configuration.
func (s *StorageConfig) Validate() error {
	if s.S3Enabled() && s.LocalEnabled() {
		return fmt.Errorf("storage: only one of s3 or local may be enabled")
	}

	if s.S3Enabled() && s.S3.Bucket == "" {
		return fmt.Errorf("storage.s3: bucket is required")
	}

	if s.LocalEnabled() {
		for name, dir := range s.Local.DiscoveryPaths {
			if dir == "" {
				return fmt.Errorf("storage.local: discovery path %q has no directory", name)
			}
		}
	}

	return nil
}
