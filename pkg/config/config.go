package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultSQLitePath is the default database location.
	DefaultSQLitePath = "./testoor.db"

	// DefaultPollInterval is how often builders and workers poll for
	// claimable work when idle.
	DefaultPollInterval = "10s"

	// DefaultBuildTimeout bounds a single build attempt.
	DefaultBuildTimeout = "40m"

	// DefaultReaperInterval is how often the reaper scans for stale work.
	DefaultReaperInterval = "1m"

	// DefaultGrace is the margin past a timeout before in-flight work is
	// considered abandoned.
	DefaultGrace = "5m"

	// DefaultRequeueDelay is the not-before delay applied when a test is
	// returned to the queue for another attempt.
	DefaultRequeueDelay = "3m"

	// DefaultMaxBuildAttempts bounds how often a stale build is re-queued
	// before it is failed terminally.
	DefaultMaxBuildAttempts = 2

	// DefaultMaxTestTries bounds how often a stale test is re-queued
	// before it is written TIMEOUT.
	DefaultMaxTestTries = 3
)

// Config is the root configuration for testoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Builder  BuilderConfig  `yaml:"builder"`
	Worker   WorkerConfig   `yaml:"worker"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	LogStore LogStoreConfig `yaml:"log_store"`
}

// GlobalConfig contains settings shared by every subcommand.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`

	// NightlyRequester marks runs created by this requester as nightly,
	// which feeds per-test history on the dashboard.
	NightlyRequester string `yaml:"nightly_requester"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Public  RateLimitTier `yaml:"public,omitempty"`
	Write   RateLimitTier `yaml:"write,omitempty"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// BuilderConfig contains build daemon settings.
type BuilderConfig struct {
	RepoURL      string `yaml:"repo_url"`
	WorkDir      string `yaml:"work_dir"`
	PollInterval string `yaml:"poll_interval,omitempty"`
	BuildTimeout string `yaml:"build_timeout,omitempty"`

	// MinFreeSpaceGB stops the builder from claiming new work while the
	// work volume has less than this much free space.
	MinFreeSpaceGB int `yaml:"min_free_space_gb,omitempty"`
}

// WorkerConfig contains test worker settings.
type WorkerConfig struct {
	RepoURL      string `yaml:"repo_url"`
	WorkDir      string `yaml:"work_dir"`
	PollInterval string `yaml:"poll_interval,omitempty"`

	// IncludeRemote admits remote-execution (mocknet) tests; only workers
	// with the required network access should enable it.
	IncludeRemote bool   `yaml:"include_remote,omitempty"`
	RequeueDelay  string `yaml:"requeue_delay,omitempty"`
}

// ReaperConfig contains stale-work reclaim settings.
type ReaperConfig struct {
	Interval         string `yaml:"interval,omitempty"`
	Grace            string `yaml:"grace,omitempty"`
	BuildTimeout     string `yaml:"build_timeout,omitempty"`
	RequeueDelay     string `yaml:"requeue_delay,omitempty"`
	MaxBuildAttempts int    `yaml:"max_build_attempts,omitempty"`
	MaxTestTries     int    `yaml:"max_test_tries,omitempty"`
}

// LogStoreConfig selects where full test logs are archived. Exactly one
// backend is active; local is the default.
type LogStoreConfig struct {
	Backend string              `yaml:"backend,omitempty"`
	Local   LocalLogStoreConfig `yaml:"local,omitempty"`
	S3      S3LogStoreConfig    `yaml:"s3,omitempty"`
}

// LocalLogStoreConfig archives logs under a directory tree.
type LocalLogStoreConfig struct {
	Dir string `yaml:"dir"`
}

// S3LogStoreConfig archives logs in an S3 bucket.
type S3LogStoreConfig struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket"`
	KeyPrefix       string `yaml:"key_prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}

	if c.Builder.PollInterval == "" {
		c.Builder.PollInterval = DefaultPollInterval
	}

	if c.Builder.BuildTimeout == "" {
		c.Builder.BuildTimeout = DefaultBuildTimeout
	}

	if c.Worker.PollInterval == "" {
		c.Worker.PollInterval = DefaultPollInterval
	}

	if c.Worker.RequeueDelay == "" {
		c.Worker.RequeueDelay = DefaultRequeueDelay
	}

	if c.Reaper.Interval == "" {
		c.Reaper.Interval = DefaultReaperInterval
	}

	if c.Reaper.Grace == "" {
		c.Reaper.Grace = DefaultGrace
	}

	if c.Reaper.BuildTimeout == "" {
		c.Reaper.BuildTimeout = c.Builder.BuildTimeout
	}

	if c.Reaper.RequeueDelay == "" {
		c.Reaper.RequeueDelay = DefaultRequeueDelay
	}

	if c.Reaper.MaxBuildAttempts == 0 {
		c.Reaper.MaxBuildAttempts = DefaultMaxBuildAttempts
	}

	if c.Reaper.MaxTestTries == 0 {
		c.Reaper.MaxTestTries = DefaultMaxTestTries
	}

	if c.LogStore.Backend == "" {
		c.LogStore.Backend = "local"
	}

	if c.LogStore.Local.Dir == "" {
		c.LogStore.Local.Dir = "./logs"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Database.Driver == "postgres" && c.Database.Postgres.Host == "" {
		return fmt.Errorf("postgres driver requires a host")
	}

	switch c.LogStore.Backend {
	case "local":
	case "s3":
		if c.LogStore.S3.Bucket == "" {
			return fmt.Errorf("s3 log store requires a bucket")
		}
	default:
		return fmt.Errorf("unknown log store backend %q", c.LogStore.Backend)
	}

	durations := map[string]string{
		"builder.poll_interval": c.Builder.PollInterval,
		"builder.build_timeout": c.Builder.BuildTimeout,
		"worker.poll_interval":  c.Worker.PollInterval,
		"worker.requeue_delay":  c.Worker.RequeueDelay,
		"reaper.interval":       c.Reaper.Interval,
		"reaper.grace":          c.Reaper.Grace,
		"reaper.build_timeout":  c.Reaper.BuildTimeout,
		"reaper.requeue_delay":  c.Reaper.RequeueDelay,
	}

	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, value)
		}
	}

	return nil
}

// ParseDuration parses a configured duration that Validate has already
// checked, falling back to the given default on any surprise.
func ParseDuration(value, fallback string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}

	return d
}
