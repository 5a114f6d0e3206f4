package config

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// FLAKEOOR_GLOBAL_LOG_LEVEL.
	EnvPrefix = "FLAKEOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultMaxUploadSize bounds the size of an uploaded report.
	DefaultMaxUploadSize = "32MB"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "flakeoor.db"

	// DefaultProvider is assigned to runs created without a provider.
	DefaultProvider = "github"

	// DefaultRunStatus is assigned to runs created without a status.
	DefaultRunStatus = "unknown"

	// DefaultFileExtension is appended to file paths derived from classnames.
	DefaultFileExtension = ".py"

	// DefaultLeaderboardLimit is the leaderboard size when none is requested.
	DefaultLeaderboardLimit = 50

	// DefaultImportInterval is the default interval between import passes.
	DefaultImportInterval = "60s"

	// DefaultImportConcurrency is the number of reports imported in parallel.
	DefaultImportConcurrency = 4

	// DefaultArchivePrefix is the key prefix for archived reports.
	DefaultArchivePrefix = "archive"
)

// Config is the root configuration for flakeoor.
type Config struct {
	Global      GlobalConfig      `yaml:"global" mapstructure:"global"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Ingest      IngestConfig      `yaml:"ingest" mapstructure:"ingest"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard" mapstructure:"leaderboard"`
	Storage     StorageConfig     `yaml:"storage,omitempty" mapstructure:"storage"`
	Archive     ArchiveConfig     `yaml:"archive,omitempty" mapstructure:"archive"`
	Import      ImportConfig      `yaml:"import,omitempty" mapstructure:"import"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// IngestConfig contains defaults applied while ingesting reports.
type IngestConfig struct {
	DefaultProvider string `yaml:"default_provider" mapstructure:"default_provider"`
	DefaultStatus   string `yaml:"default_status" mapstructure:"default_status"`
	FileExtension   string `yaml:"file_extension" mapstructure:"file_extension"`
}

// LeaderboardConfig contains flake leaderboard settings.
type LeaderboardConfig struct {
	DefaultLimit int `yaml:"default_limit" mapstructure:"default_limit"`
}

// ArchiveConfig enables storing every uploaded report in the configured
// storage backend under Prefix.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Prefix  string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// ImportConfig configures the background importer that ingests report
// files found in the storage backend's discovery paths.
type ImportConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Interval    string `yaml:"interval,omitempty" mapstructure:"interval"`
	Concurrency int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	Provider    string `yaml:"provider,omitempty" mapstructure:"provider"`
}

// defaults are registered with viper so that environment overrides apply
// to keys missing from the config files.
var defaults = map[string]any{
	"global.log_level":                      DefaultLogLevel,
	"server.listen":                         DefaultListen,
	"server.max_upload_size":                DefaultMaxUploadSize,
	"server.cors_origins":                   []string{},
	"server.rate_limit.enabled":             false,
	"server.rate_limit.requests_per_minute": 0,
	"database.driver":                       DefaultDatabaseDriver,
	"database.sqlite.path":                  DefaultSQLitePath,
	"database.postgres.host":                "",
	"database.postgres.port":                5432,
	"database.postgres.user":                "",
	"database.postgres.password":            "",
	"database.postgres.database":            "",
	"database.postgres.ssl_mode":            "disable",
	"ingest.default_provider":               DefaultProvider,
	"ingest.default_status":                 DefaultRunStatus,
	"ingest.file_extension":                 DefaultFileExtension,
	"leaderboard.default_limit":             DefaultLeaderboardLimit,
	"archive.enabled":                       false,
	"archive.prefix":                        DefaultArchivePrefix,
	"import.enabled":                        false,
	"import.interval":                       DefaultImportInterval,
	"import.concurrency":                    DefaultImportConcurrency,
	"import.provider":                       "",
}

// Load reads and merges the configuration files in order. Later files
// override earlier ones, and FLAKEOOR_* environment variables override
// both. With no paths the defaults plus environment are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.MaxUploadSize == "" {
		c.Server.MaxUploadSize = DefaultMaxUploadSize
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Ingest.DefaultProvider == "" {
		c.Ingest.DefaultProvider = DefaultProvider
	}

	if c.Ingest.DefaultStatus == "" {
		c.Ingest.DefaultStatus = DefaultRunStatus
	}

	if c.Ingest.FileExtension == "" {
		c.Ingest.FileExtension = DefaultFileExtension
	}

	if c.Leaderboard.DefaultLimit <= 0 {
		c.Leaderboard.DefaultLimit = DefaultLeaderboardLimit
	}

	if c.Archive.Prefix == "" {
		c.Archive.Prefix = DefaultArchivePrefix
	}

	if c.Import.Interval == "" {
		c.Import.Interval = DefaultImportInterval
	}

	if c.Import.Concurrency <= 0 {
		c.Import.Concurrency = DefaultImportConcurrency
	}

	if c.Import.Provider == "" {
		c.Import.Provider = c.Ingest.DefaultProvider
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database: sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database: postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database: postgres.database is required")
		}
	default:
		return fmt.Errorf("database: unsupported driver %q", c.Database.Driver)
	}

	if _, err := c.Server.MaxUploadBytes(); err != nil {
		return err
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("server.rate_limit: requests_per_minute must be positive")
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if c.Archive.Enabled && !c.Storage.Configured() {
		return fmt.Errorf("archive: enabled but no storage backend is configured")
	}

	if c.Archive.Enabled {
		if err := c.validateArchiveLocation(); err != nil {
			return err
		}
	}

	if c.Import.Enabled {
		if !c.Storage.Configured() {
			return fmt.Errorf("import: enabled but no storage backend is configured")
		}

		if _, err := c.Import.IntervalDuration(); err != nil {
			return err
		}
	}

	return nil
}

// validateArchiveLocation rejects an archive location that overlaps a
// discovery path. The importer would otherwise ingest every archived copy
// again on its next pass.
func (c *Config) validateArchiveLocation() error {
	switch {
	case c.Storage.S3Enabled():
		archive := strings.Trim(path.Clean("/"+c.Archive.Prefix), "/")

		for _, dp := range c.Storage.S3.DiscoveryPaths {
			if keysOverlap(archive, strings.Trim(path.Clean("/"+dp), "/")) {
				return fmt.Errorf(
					"archive: prefix %q overlaps s3 discovery path %q", c.Archive.Prefix, dp,
				)
			}
		}
	case c.Storage.LocalEnabled():
		if c.Storage.Local.ArchiveDir == "" {
			return nil
		}

		archive, err := filepath.Abs(filepath.Join(c.Storage.Local.ArchiveDir, c.Archive.Prefix))
		if err != nil {
			return fmt.Errorf("archive: resolving archive_dir: %w", err)
		}

		for name, dir := range c.Storage.Local.DiscoveryPaths {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("storage.local: resolving discovery path %q: %w", name, err)
			}

			if keysOverlap(filepath.ToSlash(archive), filepath.ToSlash(abs)) {
				return fmt.Errorf(
					"archive: %s overlaps local discovery path %q (%s)", archive, name, abs,
				)
			}
		}
	}

	return nil
}

// keysOverlap reports whether one slash-separated path is equal to or
// nested below the other. An empty path is the root and overlaps all.
func keysOverlap(a, b string) bool {
	if a == "" || b == "" || a == "/" || b == "/" || a == b {
		return true
	}

	return strings.HasPrefix(a, strings.TrimSuffix(b, "/")+"/") ||
		strings.HasPrefix(b, strings.TrimSuffix(a, "/")+"/")
}

// MaxUploadBytes parses MaxUploadSize (e.g. "32MB") into bytes.
func (s *ServerConfig) MaxUploadBytes() (int64, error) {
	n, err := units.RAMInBytes(s.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("server: invalid max_upload_size %q: %w", s.MaxUploadSize, err)
	}

	if n <= 0 {
		return 0, fmt.Errorf("server: max_upload_size must be positive")
	}

	return n, nil
}

// IntervalDuration parses the import interval.
func (i *ImportConfig) IntervalDuration() (time.Duration, error) {
	d, err := time.ParseDuration(i.Interval)
	if err != nil {
		return 0, fmt.Errorf("import: invalid interval %q: %w", i.Interval, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("import: interval must be positive")
	}

	return d, nil
}

const redacted = "<redacted>"

// Redacted returns a copy of the configuration with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c

	if out.Database.Postgres.Password != "" {
		out.Database.Postgres.Password = redacted
	}

	if c.Storage.S3 != nil {
		s3 := *c.Storage.S3
		if s3.SecretAccessKey != "" {
			s3.SecretAccessKey = redacted
		}

		out.Storage.S3 = &s3
	}

	return &out
}

// YAML renders the configuration as YAML with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}

	return data, nil
}
