package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// TESTOOR_GLOBAL_LOG_LEVEL overrides global.log_level.
	EnvPrefix = "TESTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDatabaseDriver is the embedded single-file database.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default database file.
	DefaultSQLitePath = "./testoor.db"

	// DefaultIngestConcurrency is the number of runs ingested in parallel
	// within one origin worker.
	DefaultIngestConcurrency = 4

	// DefaultFetchTimeout bounds a single raw log fetch.
	DefaultFetchTimeout = 60 * time.Second

	// DefaultMaxLogSize is the fetch size limit for one raw log.
	DefaultMaxLogSize = "50MB"

	// DefaultWriteRetry is the total time a store write may spend retrying
	// on lock contention.
	DefaultWriteRetry = 30 * time.Second

	// DefaultCommitKey is the metadata key holding a commit identifier.
	DefaultCommitKey = "commit"

	// DefaultCommitSummaryKey receives the resolved commit's summary line.
	DefaultCommitSummaryKey = "commitsummary"

	// DefaultMinPrefix is the shortest abbreviated hash the augmentor
	// will try to resolve.
	DefaultMinPrefix = 7

	// DefaultWindowCount is the default analysis window, in runs.
	DefaultWindowCount = 30

	// DefaultFlakyLimit caps the flaky ranking output.
	DefaultFlakyLimit = 50

	// DefaultAPIListen is the default API listen address.
	DefaultAPIListen = ":8080"
)

// DefaultParsers is the parser priority order used for origins without an
// explicit entry.
var DefaultParsers = []string{"curl", "pytest", "unittest", "automake"}

// ByteSize is a size in bytes decoded from human readable strings like
// "50MB".
type ByteSize int64

// Config is the root configuration for testoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Parsers  ParsersConfig  `yaml:"parsers" mapstructure:"parsers"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Augment  AugmentConfig  `yaml:"augment" mapstructure:"augment"`
	Analysis AnalysisConfig `yaml:"analysis" mapstructure:"analysis"`
	API      *APIConfig     `yaml:"api,omitempty" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DatabaseConfig contains test-run store connection settings.
type DatabaseConfig struct {
	Driver     string               `yaml:"driver" mapstructure:"driver"`
	SQLite     SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres   PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
	WriteRetry time.Duration        `yaml:"write_retry,omitempty" mapstructure:"write_retry"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path        string        `yaml:"path" mapstructure:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout,omitempty" mapstructure:"busy_timeout"`
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

// ParsersConfig selects which log dialects are tried, in priority order.
type ParsersConfig struct {
	Default []string            `yaml:"default" mapstructure:"default"`
	Origins map[string][]string `yaml:"origins,omitempty" mapstructure:"origins"`
}

// IngestConfig configures batch ingestion.
type IngestConfig struct {
	Concurrency  int            `yaml:"concurrency" mapstructure:"concurrency"`
	FetchTimeout time.Duration  `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	MaxLogSize   ByteSize       `yaml:"max_log_size" mapstructure:"max_log_size"`
	Sources      []SourceConfig `yaml:"sources,omitempty" mapstructure:"sources"`
}

// SourceConfig describes where raw logs for one origin are read from.
// Exactly one of Local or S3 must be set.
type SourceConfig struct {
	Origin            string             `yaml:"origin" mapstructure:"origin"`
	RequestsPerSecond float64            `yaml:"requests_per_second,omitempty" mapstructure:"requests_per_second"`
	Local             *LocalSourceConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3                *S3SourceConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalSourceConfig reads logs from <dir>/<run_id>/log.txt.
type LocalSourceConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// S3SourceConfig reads logs from <prefix>/<run_id>/log.txt in a bucket.
type S3SourceConfig struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// AugmentConfig configures commit hash augmentation.
type AugmentConfig struct {
	CommitKey  string `yaml:"commit_key" mapstructure:"commit_key"`
	SummaryKey string `yaml:"summary_key" mapstructure:"summary_key"`
	MinPrefix  int    `yaml:"min_prefix" mapstructure:"min_prefix"`
}

// AnalysisConfig configures the default flakiness window.
type AnalysisConfig struct {
	WindowCount int           `yaml:"window_count" mapstructure:"window_count"`
	WindowSpan  time.Duration `yaml:"window_span,omitempty" mapstructure:"window_span"`
	FlakyLimit  int           `yaml:"flaky_limit" mapstructure:"flaky_limit"`
}

// Load reads one or more configuration files, merging later files over
// earlier ones, then applies TESTOOR_* environment overrides.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no config file given")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for i, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			byteSizeHook(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Default returns a configuration with every default applied and no
// sources, suitable for single-shot commands run without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

// setDefaults registers defaults with viper so that environment overrides
// apply even when a key is absent from every config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.write_retry", DefaultWriteRetry.String())
	v.SetDefault("parsers.default", DefaultParsers)
	v.SetDefault("ingest.concurrency", DefaultIngestConcurrency)
	v.SetDefault("ingest.fetch_timeout", DefaultFetchTimeout.String())
	v.SetDefault("ingest.max_log_size", DefaultMaxLogSize)
	v.SetDefault("augment.commit_key", DefaultCommitKey)
	v.SetDefault("augment.summary_key", DefaultCommitSummaryKey)
	v.SetDefault("augment.min_prefix", DefaultMinPrefix)
	v.SetDefault("analysis.window_count", DefaultWindowCount)
	v.SetDefault("analysis.flaky_limit", DefaultFlakyLimit)
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.WriteRetry <= 0 {
		c.Database.WriteRetry = DefaultWriteRetry
	}

	if len(c.Parsers.Default) == 0 {
		c.Parsers.Default = append([]string(nil), DefaultParsers...)
	}

	if c.Ingest.Concurrency <= 0 {
		c.Ingest.Concurrency = DefaultIngestConcurrency
	}

	if c.Ingest.FetchTimeout <= 0 {
		c.Ingest.FetchTimeout = DefaultFetchTimeout
	}

	if c.Ingest.MaxLogSize <= 0 {
		n, _ := units.FromHumanSize(DefaultMaxLogSize)
		c.Ingest.MaxLogSize = ByteSize(n)
	}

	if c.Augment.CommitKey == "" {
		c.Augment.CommitKey = DefaultCommitKey
	}

	if c.Augment.SummaryKey == "" {
		c.Augment.SummaryKey = DefaultCommitSummaryKey
	}

	if c.Augment.MinPrefix <= 0 {
		c.Augment.MinPrefix = DefaultMinPrefix
	}

	if c.Analysis.WindowCount <= 0 && c.Analysis.WindowSpan <= 0 {
		c.Analysis.WindowCount = DefaultWindowCount
	}

	if c.Analysis.FlakyLimit <= 0 {
		c.Analysis.FlakyLimit = DefaultFlakyLimit
	}

	if c.API != nil {
		c.API.applyDefaults()
	}
}

// byteSizeHook decodes human readable sizes into ByteSize fields.
func byteSizeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(ByteSize(0))

	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}

		s, ok := data.(string)
		if !ok {
			return data, nil
		}

		n, err := units.FromHumanSize(s)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", s, err)
		}

		return ByteSize(n), nil
	}
}
