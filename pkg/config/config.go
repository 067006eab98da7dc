package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/fsutil"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// QUERYBENCHOOR_EXECUTION_PARALLEL_WORKERS.
	EnvPrefix = "QUERYBENCHOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for run reports.
	DefaultResultsDir = "./results"

	// DefaultParallelWorkers is the default number of concurrent executions.
	DefaultParallelWorkers = 10

	// MaxParallelWorkers is the upper bound for execution.parallel_workers.
	MaxParallelWorkers = 50

	// DefaultRepeatCount is the default number of iterations per query and platform.
	DefaultRepeatCount = 3

	// DefaultTaskTimeout bounds a single execution.
	DefaultTaskTimeout = 300 * time.Second

	// DefaultEventBuffer is the capacity of the run event channel.
	DefaultEventBuffer = 256

	// DefaultTieThresholdPercent is the default tie threshold.
	DefaultTieThresholdPercent = 5.0

	// DefaultPingTimeout bounds backend preflight pings.
	DefaultPingTimeout = 10 * time.Second

	// DefaultSQLitePath is the default store location.
	DefaultSQLitePath = "querybenchoor.db"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"
)

// DotEnvFiles are loaded into the process environment before the config
// is decoded. Missing files are skipped.
var DotEnvFiles = []string{".env"}

// Config is the root configuration for querybenchoor.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Platforms  PlatformsConfig  `yaml:"platforms" mapstructure:"platforms"`
	Execution  ExecutionConfig  `yaml:"execution" mapstructure:"execution"`
	Comparison ComparisonConfig `yaml:"comparison" mapstructure:"comparison"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
	Upload     UploadConfig     `yaml:"upload" mapstructure:"upload"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel   string `yaml:"log_level" mapstructure:"log_level"`
	ResultsDir string `yaml:"results_dir" mapstructure:"results_dir"`
	// ResultsOwner is an optional "UID:GID" applied to written reports.
	ResultsOwner string `yaml:"results_owner,omitempty" mapstructure:"results_owner"`
}

// PlatformsConfig holds both sides of the comparison.
type PlatformsConfig struct {
	A PlatformConfig `yaml:"a" mapstructure:"a"`
	B PlatformConfig `yaml:"b" mapstructure:"b"`
}

// PlatformConfig describes how to reach one database platform.
type PlatformConfig struct {
	Name         string        `yaml:"name" mapstructure:"name"`
	Dialect      string        `yaml:"dialect" mapstructure:"dialect"`
	Driver       string        `yaml:"driver" mapstructure:"driver"`
	DSN          string        `yaml:"dsn" mapstructure:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	PingTimeout  time.Duration `yaml:"ping_timeout" mapstructure:"ping_timeout"`
}

// ExecutionConfig contains the options of a test run.
type ExecutionConfig struct {
	ParallelWorkers int           `yaml:"parallel_workers" mapstructure:"parallel_workers"`
	RepeatCount     int           `yaml:"repeat_count" mapstructure:"repeat_count"`
	TaskTimeout     time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`
	RunTimeout      time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
	SubmissionRate  float64       `yaml:"submission_rate" mapstructure:"submission_rate"`
	EventBuffer     int           `yaml:"event_buffer" mapstructure:"event_buffer"`
	Retry           RetryConfig   `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures re-execution of transiently failed tasks.
// MaxAttempts of zero or one disables retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff" mapstructure:"backoff"`
}

// ComparisonConfig contains comparison settings.
type ComparisonConfig struct {
	TieThresholdPercent float64 `yaml:"tie_threshold_percent" mapstructure:"tie_threshold_percent"`
}

// defaults lists every known key. Registering a default for each key is
// what makes it overridable from the environment.
var defaults = map[string]any{
	"global.log_level":     DefaultLogLevel,
	"global.results_dir":   DefaultResultsDir,
	"global.results_owner": "",

	"platforms.a.name":           "platform_a",
	"platforms.a.dialect":        "tsql",
	"platforms.a.driver":         "sqlserver",
	"platforms.a.dsn":            "",
	"platforms.a.max_open_conns": 0,
	"platforms.a.ping_timeout":   DefaultPingTimeout,
	"platforms.b.name":           "platform_b",
	"platforms.b.dialect":        "snowflake",
	"platforms.b.driver":         "snowflake",
	"platforms.b.dsn":            "",
	"platforms.b.max_open_conns": 0,
	"platforms.b.ping_timeout":   DefaultPingTimeout,

	"execution.parallel_workers":   DefaultParallelWorkers,
	"execution.repeat_count":       DefaultRepeatCount,
	"execution.task_timeout":       DefaultTaskTimeout,
	"execution.run_timeout":        time.Duration(0),
	"execution.submission_rate":    0.0,
	"execution.event_buffer":       DefaultEventBuffer,
	"execution.retry.max_attempts": 0,
	"execution.retry.backoff":      time.Second,

	"comparison.tie_threshold_percent": DefaultTieThresholdPercent,

	"database.driver":            "sqlite",
	"database.sqlite.path":       DefaultSQLitePath,
	"database.postgres.host":     "localhost",
	"database.postgres.port":     5432,
	"database.postgres.user":     "",
	"database.postgres.password": "",
	"database.postgres.database": "querybenchoor",
	"database.postgres.ssl_mode": "disable",

	"api.listen":                            DefaultListen,
	"api.cors_origins":                      []string{},
	"api.rate_limit.enabled":                false,
	"api.rate_limit.requests_per_minute":    120,
	"api.rate_limit.max_streams_per_client": DefaultMaxStreamsPerClient,

	"upload.s3.enabled":           false,
	"upload.s3.bucket":            "",
	"upload.s3.prefix":            "",
	"upload.s3.region":            "",
	"upload.s3.endpoint_url":      "",
	"upload.s3.access_key_id":     "",
	"upload.s3.secret_access_key": "",
	"upload.s3.force_path_style":  false,
	"upload.s3.storage_class":     "",
	"upload.s3.acl":               "",
}

// Load builds the configuration from defaults, the given YAML files (later
// files override earlier ones), .env files and QUERYBENCHOOR_* environment
// variables, in increasing order of precedence.
func Load(paths ...string) (*Config, error) {
	if err := loadDotEnv(DotEnvFiles...); err != nil {
		return nil, err
	}

	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

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
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration without any file or environment input.
func Default() *Config {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg, viper.DecodeHook(decodeHook()))

	return &cfg
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func loadDotEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return fmt.Errorf("loading %s: %w", file, err)
		}
	}

	return nil
}

// Validate checks the configuration for errors. Platform connection
// settings are checked separately by ValidatePlatforms since only
// commands that execute queries need them.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("global.log_level: %w", err)
	}

	if c.Global.ResultsDir != "" {
		dir := filepath.Dir(c.Global.ResultsDir)
		if dir != "." && dir != ".." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("results directory parent %q does not exist", dir)
			}
		}
	}

	if _, err := fsutil.ParseOwner(c.Global.ResultsOwner); err != nil {
		return fmt.Errorf("global.results_owner: %w", err)
	}

	if err := c.Execution.Validate(); err != nil {
		return fmt.Errorf("execution: %w", err)
	}

	if c.Comparison.TieThresholdPercent < 0 {
		return fmt.Errorf("comparison.tie_threshold_percent must not be negative")
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if err := c.API.RateLimit.Validate(); err != nil {
		return fmt.Errorf("api.rate_limit: %w", err)
	}

	return nil
}

// Validate checks execution bounds.
func (e *ExecutionConfig) Validate() error {
	if e.ParallelWorkers < 1 || e.ParallelWorkers > MaxParallelWorkers {
		return fmt.Errorf("parallel_workers must be between 1 and %d, got %d",
			MaxParallelWorkers, e.ParallelWorkers)
	}

	if e.RepeatCount < 1 {
		return fmt.Errorf("repeat_count must be at least 1, got %d", e.RepeatCount)
	}

	if e.TaskTimeout < 0 || e.RunTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if e.SubmissionRate < 0 {
		return fmt.Errorf("submission_rate must not be negative")
	}

	if e.Retry.MaxAttempts < 0 || e.Retry.Backoff < 0 {
		return fmt.Errorf("retry settings must not be negative")
	}

	return nil
}

// ValidatePlatforms checks that both platforms can be connected to.
func (c *Config) ValidatePlatforms() error {
	for _, p := range []struct {
		key string
		cfg *PlatformConfig
	}{
		{key: "a", cfg: &c.Platforms.A},
		{key: "b", cfg: &c.Platforms.B},
	} {
		if p.cfg.Driver == "" {
			return fmt.Errorf("platforms.%s.driver is required", p.key)
		}

		if p.cfg.DSN == "" {
			return fmt.Errorf("platforms.%s.dsn is required", p.key)
		}

		if p.cfg.MaxOpenConns < 0 {
			return fmt.Errorf("platforms.%s.max_open_conns must not be negative", p.key)
		}
	}

	return nil
}
