package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultProvider, cfg.Ingest.DefaultProvider)
	assert.Equal(t, DefaultRunStatus, cfg.Ingest.DefaultStatus)
	assert.Equal(t, DefaultFileExtension, cfg.Ingest.FileExtension)
	assert.Equal(t, DefaultLeaderboardLimit, cfg.Leaderboard.DefaultLimit)
	assert.Equal(t, DefaultImportConcurrency, cfg.Import.Concurrency)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
server:
  listen: ":9000"
database:
  driver: sqlite
  sqlite:
    path: /tmp/original.db
ingest:
  default_provider: jenkins
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, ":9000", cfg.Server.Listen)
				assert.Equal(t, "/tmp/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, "jenkins", cfg.Ingest.DefaultProvider)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"FLAKEOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested override - sqlite path",
			envVars: map[string]string{
				"FLAKEOOR_DATABASE_SQLITE_PATH": "/data/override.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/data/override.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "override of key missing from file",
			envVars: map[string]string{
				"FLAKEOOR_LEADERBOARD_DEFAULT_LIMIT": "7",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7, cfg.Leaderboard.DefaultLimit)
			},
		},
		{
			name: "boolean override - rate limit",
			envVars: map[string]string{
				"FLAKEOOR_SERVER_RATE_LIMIT_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Server.RateLimit.Enabled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
server:
  listen: ":8000"
ingest:
  default_provider: gitlab
  file_extension: ".go"
`)
	override := writeConfig(t, `
server:
  listen: ":9999"
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, "gitlab", cfg.Ingest.DefaultProvider)
	assert.Equal(t, ".go", cfg.Ingest.FileExtension)
	assert.Equal(t, "gitlab", cfg.Import.Provider)
}

func TestLoad_ImportProviderOverride(t *testing.T) {
	path := writeConfig(t, `
ingest:
  default_provider: gitlab
import:
  provider: nightly
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gitlab", cfg.Ingest.DefaultProvider)
	assert.Equal(t, "nightly", cfg.Import.Provider)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name:    "unknown driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr: "unsupported driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
			},
			wantErr: "postgres.host is required",
		},
		{
			name:    "bad upload size",
			mutate:  func(cfg *Config) { cfg.Server.MaxUploadSize = "lots" },
			wantErr: "max_upload_size",
		},
		{
			name: "rate limit without budget",
			mutate: func(cfg *Config) {
				cfg.Server.RateLimit.Enabled = true
			},
			wantErr: "requests_per_minute",
		},
		{
			name: "both storage backends",
			mutate: func(cfg *Config) {
				cfg.Storage.S3 = &S3Config{Enabled: true, Bucket: "b"}
				cfg.Storage.Local = &LocalStorageConfig{Enabled: true}
			},
			wantErr: "only one of s3 or local",
		},
		{
			name: "s3 without bucket",
			mutate: func(cfg *Config) {
				cfg.Storage.S3 = &S3Config{Enabled: true}
			},
			wantErr: "bucket is required",
		},
		{
			name:    "archive without storage",
			mutate:  func(cfg *Config) { cfg.Archive.Enabled = true },
			wantErr: "archive",
		},
		{
			name:    "import without storage",
			mutate:  func(cfg *Config) { cfg.Import.Enabled = true },
			wantErr: "import",
		},
		{
			name: "import with bad interval",
			mutate: func(cfg *Config) {
				cfg.Storage.Local = &LocalStorageConfig{Enabled: true}
				cfg.Import.Enabled = true
				cfg.Import.Interval = "soon"
			},
			wantErr: "invalid interval",
		},
		{
			name: "local archive inside discovery path",
			mutate: func(cfg *Config) {
				cfg.Storage.Local = &LocalStorageConfig{
					Enabled:        true,
					DiscoveryPaths: map[string]string{"ci": "/data/reports"},
					ArchiveDir:     "/data/reports",
				}
				cfg.Archive.Enabled = true
			},
			wantErr: "overlaps local discovery path",
		},
		{
			name: "local discovery path inside archive",
			mutate: func(cfg *Config) {
				cfg.Storage.Local = &LocalStorageConfig{
					Enabled:        true,
					DiscoveryPaths: map[string]string{"ci": "/data/archive/runs"},
					ArchiveDir:     "/data",
				}
				cfg.Archive.Enabled = true
			},
			wantErr: "overlaps local discovery path",
		},
		{
			name: "local archive beside discovery path",
			mutate: func(cfg *Config) {
				cfg.Storage.Local = &LocalStorageConfig{
					Enabled:        true,
					DiscoveryPaths: map[string]string{"ci": "/data/reports"},
					ArchiveDir:     "/data",
				}
				cfg.Archive.Enabled = true
			},
		},
		{
			name: "s3 archive prefix inside discovery path",
			mutate: func(cfg *Config) {
				cfg.Storage.S3 = &S3Config{
					Enabled:        true,
					Bucket:         "b",
					DiscoveryPaths: []string{"/reports/"},
				}
				cfg.Archive.Enabled = true
				cfg.Archive.Prefix = "reports/archive"
			},
			wantErr: "overlaps s3 discovery path",
		},
		{
			name: "s3 archive prefix beside discovery path",
			mutate: func(cfg *Config) {
				cfg.Storage.S3 = &S3Config{
					Enabled:        true,
					Bucket:         "b",
					DiscoveryPaths: []string{"reports", "archive-old"},
				}
				cfg.Archive.Enabled = true
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerConfig_MaxUploadBytes(t *testing.T) {
	s := ServerConfig{MaxUploadSize: "10MB"}

	n, err := s.MaxUploadBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(10*1024*1024), n)
}

func TestConfig_YAMLRedactsSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Database.Postgres.Password = "hunter2"
	cfg.Storage.S3 = &S3Config{
		Enabled:         true,
		Bucket:          "reports",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "s3cr3t",
	}

	data, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.NotContains(t, string(data), "s3cr3t")

	var decoded Config
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, "reports", decoded.Storage.S3.Bucket)
	assert.Equal(t, redacted, decoded.Storage.S3.SecretAccessKey)

	// The original is untouched.
	assert.Equal(t, "s3cr3t", cfg.Storage.S3.SecretAccessKey)
	assert.Equal(t, "hunter2", cfg.Database.Postgres.Password)
}
