package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// INTEROPSCORE_UPDATE_YEAR=2024.
	EnvPrefix = "INTEROPSCORE"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultYear is the interop dataset year updated when none is given.
	DefaultYear = 2023

	// DefaultWPTFyiURL is the base URL of the run service.
	DefaultWPTFyiURL = "https://wpt.fyi"

	// DefaultFetchTimeout bounds a full run fetch for one channel.
	DefaultFetchTimeout = 10 * time.Minute

	// DefaultScoreTimeout bounds a single scoring engine call.
	DefaultScoreTimeout = 5 * time.Minute

	// DefaultConcurrency is the number of revisions scored in parallel.
	DefaultConcurrency = 1

	// DefaultRequestsPerSecond limits requests against the run service.
	DefaultRequestsPerSecond = 5.0

	// DefaultListen is the API listen address.
	DefaultListen = ":8080"
)

// DefaultChannels are processed in this order when none are configured.
var DefaultChannels = []string{"experimental", "stable"}

// Config is the root configuration for interopscore.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Repos    ReposConfig    `yaml:"repos" mapstructure:"repos"`
	Update   UpdateConfig   `yaml:"update" mapstructure:"update"`
	RunCache RunCacheConfig `yaml:"run_cache" mapstructure:"run_cache"`
	Publish  PublishConfig  `yaml:"publish,omitempty" mapstructure:"publish"`
	API      APIConfig      `yaml:"api,omitempty" mapstructure:"api"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty" mapstructure:"metrics"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	// LogFile, when set, receives a rotated copy of the log output.
	LogFile       string `yaml:"log_file,omitempty" mapstructure:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb,omitempty" mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups,omitempty" mapstructure:"log_max_backups"`
	// FileOwner optionally chowns written files, as "UID:GID".
	FileOwner string `yaml:"file_owner,omitempty" mapstructure:"file_owner"`
}

// ReposConfig locates the working repositories. Relative repository
// paths are resolved against Root.
type ReposConfig struct {
	Root                 string `yaml:"root" mapstructure:"root"`
	ResultsAnalysisCache string `yaml:"results_analysis_cache" mapstructure:"results_analysis_cache"`
	Metadata             string `yaml:"metadata" mapstructure:"metadata"`
	InteropScore         string `yaml:"interop_score" mapstructure:"interop_score"`
}

// UpdateConfig controls the per-channel update cycle.
type UpdateConfig struct {
	Year              int      `yaml:"year" mapstructure:"year"`
	Channels          []string `yaml:"channels" mapstructure:"channels"`
	CommitOnError     bool     `yaml:"commit_on_error" mapstructure:"commit_on_error"`
	FetchTimeout      string   `yaml:"fetch_timeout,omitempty" mapstructure:"fetch_timeout"`
	ScoreTimeout      string   `yaml:"score_timeout,omitempty" mapstructure:"score_timeout"`
	Concurrency       int      `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	WPTFyiURL         string   `yaml:"wptfyi_url,omitempty" mapstructure:"wptfyi_url"`
	CategoryDataURL   string   `yaml:"category_data_url,omitempty" mapstructure:"category_data_url"`
	InteropDataURL    string   `yaml:"interop_data_url,omitempty" mapstructure:"interop_data_url"`
	RequestsPerSecond float64  `yaml:"requests_per_second,omitempty" mapstructure:"requests_per_second"`
}

// RunCacheConfig configures the optional persistent day cache used by
// standalone run fetches.
type RunCacheConfig struct {
	Enabled  bool           `yaml:"enabled" mapstructure:"enabled"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
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

// PublishConfig configures mirroring of the aligned output to remote
// storage.
type PublishConfig struct {
	S3 *S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig contains S3-compatible storage settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// APIConfig contains the read-only HTTP API settings.
type APIConfig struct {
	Listen      string   `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	// RequestsPerMinute limits requests per client IP. Zero disables the
	// limit.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
}

// MetricsConfig controls metric export.
type MetricsConfig struct {
	// Textfile is a node-exporter textfile collector path written after
	// each update.
	Textfile string `yaml:"textfile,omitempty" mapstructure:"textfile"`
}

// Load reads and merges the given configuration files in order, applies
// INTEROPSCORE_* environment overrides and defaults. With no paths, the
// configuration is built from defaults and environment alone.
func Load(paths ...string) (*Config, error) {
	v := newViper()

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

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// newViper creates a viper instance with env overrides bound for every
// known key, so that env vars apply even when the key is absent from the
// config file.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"global.log_level",
		"global.log_file",
		"global.log_max_size_mb",
		"global.log_max_backups",
		"global.file_owner",
		"repos.root",
		"repos.results_analysis_cache",
		"repos.metadata",
		"repos.interop_score",
		"update.year",
		"update.channels",
		"update.commit_on_error",
		"update.fetch_timeout",
		"update.score_timeout",
		"update.concurrency",
		"update.wptfyi_url",
		"update.category_data_url",
		"update.interop_data_url",
		"update.requests_per_second",
		"run_cache.enabled",
		"run_cache.database.driver",
		"run_cache.database.sqlite.path",
		"api.listen",
		"api.requests_per_minute",
		"metrics.textfile",
	} {
		_ = v.BindEnv(key)
	}

	return v
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Update.Year == 0 {
		c.Update.Year = DefaultYear
	}

	if len(c.Update.Channels) == 0 {
		c.Update.Channels = append([]string(nil), DefaultChannels...)
	}

	if c.Update.Concurrency <= 0 {
		c.Update.Concurrency = DefaultConcurrency
	}

	if c.Update.WPTFyiURL == "" {
		c.Update.WPTFyiURL = DefaultWPTFyiURL
	}

	if c.Update.RequestsPerSecond <= 0 {
		c.Update.RequestsPerSecond = DefaultRequestsPerSecond
	}

	if c.Repos.ResultsAnalysisCache == "" {
		c.Repos.ResultsAnalysisCache = "results-analysis-cache"
	}

	if c.Repos.Metadata == "" {
		c.Repos.Metadata = "wpt-metadata"
	}

	if c.Repos.InteropScore == "" {
		c.Repos.InteropScore = "interop-scores"
	}

	if c.RunCache.Database.Driver == "" {
		c.RunCache.Database.Driver = "sqlite"
	}

	if c.RunCache.Database.SQLite.Path == "" {
		c.RunCache.Database.SQLite.Path = "run-cache.db"
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Update.Channels) == 0 {
		return errors.New("at least one channel must be configured")
	}

	seen := make(map[string]struct{}, len(c.Update.Channels))

	for _, ch := range c.Update.Channels {
		if ch == "" {
			return errors.New("channel names must not be empty")
		}

		if strings.ContainsAny(ch, `/\`) {
			return fmt.Errorf("channel %q must not contain path separators", ch)
		}

		if _, dup := seen[ch]; dup {
			return fmt.Errorf("duplicate channel %q", ch)
		}

		seen[ch] = struct{}{}
	}

	if _, err := c.Update.FetchTimeoutDuration(); err != nil {
		return err
	}

	if _, err := c.Update.ScoreTimeoutDuration(); err != nil {
		return err
	}

	if c.RunCache.Enabled {
		switch c.RunCache.Database.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("run_cache: unsupported database driver %q", c.RunCache.Database.Driver)
		}
	}

	if s3 := c.Publish.S3; s3 != nil && s3.Enabled && s3.Bucket == "" {
		return errors.New("publish.s3.bucket is required when s3 publishing is enabled")
	}

	if c.Repos.Root != "" {
		if _, err := os.Stat(c.Repos.Root); err != nil {
			return fmt.Errorf("repos.root %q: %w", c.Repos.Root, err)
		}
	}

	return nil
}

// FetchTimeoutDuration parses the fetch timeout, falling back to the default.
func (u *UpdateConfig) FetchTimeoutDuration() (time.Duration, error) {
	return parseDuration("update.fetch_timeout", u.FetchTimeout, DefaultFetchTimeout)
}

// ScoreTimeoutDuration parses the scoring timeout, falling back to the default.
func (u *UpdateConfig) ScoreTimeoutDuration() (time.Duration, error) {
	return parseDuration("update.score_timeout", u.ScoreTimeout, DefaultScoreTimeout)
}

func parseDuration(key, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive", key)
	}

	return d, nil
}

// RepoPath resolves a repository path against Root.
func (r *ReposConfig) RepoPath(path string) string {
	if filepath.IsAbs(path) || r.Root == "" {
		return path
	}

	return filepath.Join(r.Root, path)
}
