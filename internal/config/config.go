// Package config loads the daemon configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the SLICETUNE_CONFIG environment variable. Defaults are applied first, then
// the file, then SLICETUNE_* environment overrides for the settings that
// deployments commonly inject (storage, blob, redis, http, logging).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"slicetune/internal/artifact"
	"slicetune/internal/blob"
	"slicetune/internal/core"
	"slicetune/internal/devicecfg"
	"slicetune/internal/events"
	"slicetune/internal/mutation"
)

// EnvConfigPath names the config file when no flag is given.
const EnvConfigPath = "SLICETUNE_CONFIG"

// Config is the complete daemon configuration.
type Config struct {
	Storage   core.StorageConfig `yaml:"storage"`
	Blob      blob.Config        `yaml:"blob"`
	Artifacts ArtifactsConfig    `yaml:"artifacts"`
	Events    EventsConfig       `yaml:"events"`
	HTTP      HTTPConfig         `yaml:"http"`
	Logging   LoggingConfig      `yaml:"logging"`
	Tracing   TracingConfig      `yaml:"tracing"`
	Mutation  MutationConfig     `yaml:"mutation"`
	Devices   []devicecfg.Device `yaml:"devices"`
}

// ArtifactsConfig controls archiving of generated calibration prints.
type ArtifactsConfig struct {
	// Enabled archives every generated print into the blob store.
	Enabled     bool   `yaml:"enabled"`
	Prefix      string `yaml:"prefix"`
	Compression string `yaml:"compression"`
}

// EventsConfig configures profile version notifications. An empty Redis
// address disables publishing.
type EventsConfig struct {
	Redis events.RedisOptions `yaml:"redis"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// FeedbackRate limits feedback submissions per second across clients;
	// zero disables limiting.
	FeedbackRate  float64 `yaml:"feedback_rate"`
	FeedbackBurst int     `yaml:"feedback_burst"`
}

// LoggingConfig selects the zap preset and level.
type LoggingConfig struct {
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

// TracingConfig selects the span exporter: none, stdout (OpenTelemetry) or
// json (line-delimited spans on stderr).
type TracingConfig struct {
	Exporter string `yaml:"exporter"`
}

// MutationConfig tunes the feedback mutation engine.
type MutationConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// TablePath optionally replaces the built-in rule table with a YAML file.
	TablePath string `yaml:"table_path"`
}

// Default returns the configuration used before any file or environment
// value is applied.
func Default() *Config {
	return &Config{
		Storage: core.StorageConfig{Driver: core.StorageSQLite, SQLitePath: "slicetune.db"},
		Blob:    blob.Config{Driver: blob.DriverFilesystem, FSRoot: "./artifacts"},
		Artifacts: ArtifactsConfig{
			Prefix:      artifact.DefaultPrefix,
			Compression: string(artifact.CompressionZstd),
		},
		Events: EventsConfig{Redis: events.RedisOptions{Channel: events.DefaultChannel}},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			FeedbackRate:    20,
			FeedbackBurst:   40,
		},
		Logging:  LoggingConfig{Mode: "dev", Level: "info"},
		Tracing:  TracingConfig{Exporter: "none"},
		Mutation: MutationConfig{MaxRetries: core.DefaultMaxRetries},
	}
}

// Load reads path, or the file named by SLICETUNE_CONFIG when path is empty.
// Without either, defaults plus environment overrides are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	var driver, blobDriver string
	setString(&driver, "SLICETUNE_STORAGE_DRIVER")
	if driver != "" {
		c.Storage.Driver = core.StorageDriver(driver)
	}
	setString(&c.Storage.SQLitePath, "SLICETUNE_SQLITE_PATH")
	setString(&c.Storage.PostgresDSN, "SLICETUNE_POSTGRES_DSN")

	setString(&blobDriver, "SLICETUNE_BLOB_DRIVER")
	if blobDriver != "" {
		c.Blob.Driver = blob.Driver(blobDriver)
	}
	setString(&c.Blob.FSRoot, "SLICETUNE_BLOB_FS_ROOT")
	setString(&c.Blob.S3.Bucket, "SLICETUNE_BLOB_S3_BUCKET")
	setString(&c.Blob.S3.Region, "SLICETUNE_BLOB_S3_REGION")
	setString(&c.Blob.S3.Endpoint, "SLICETUNE_BLOB_S3_ENDPOINT")
	setString(&c.Blob.S3.AccessKeyID, "SLICETUNE_BLOB_S3_ACCESS_KEY_ID")
	setString(&c.Blob.S3.SecretAccessKey, "SLICETUNE_BLOB_S3_SECRET_ACCESS_KEY")
	if v := os.Getenv("SLICETUNE_BLOB_S3_PATH_STYLE"); v != "" {
		c.Blob.S3.PathStyle = strings.EqualFold(v, "true")
	}

	setString(&c.Events.Redis.Addr, "SLICETUNE_REDIS_ADDR")
	setString(&c.Events.Redis.Password, "SLICETUNE_REDIS_PASSWORD")
	setString(&c.Events.Redis.Channel, "SLICETUNE_REDIS_CHANNEL")

	setString(&c.HTTP.Addr, "SLICETUNE_HTTP_ADDR")
	setString(&c.Logging.Mode, "SLICETUNE_LOG_MODE")
	setString(&c.Logging.Level, "SLICETUNE_LOG_LEVEL")
	setString(&c.Tracing.Exporter, "SLICETUNE_TRACING_EXPORTER")
	setString(&c.Mutation.TablePath, "SLICETUNE_MUTATION_TABLE")
	if v := strings.TrimSpace(os.Getenv("SLICETUNE_MAX_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SLICETUNE_MAX_RETRIES: %w", err)
		}
		c.Mutation.MaxRetries = n
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "", core.StorageMemory, core.StorageSQLite, core.StoragePostgres:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required when blob.driver is s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.driver: unknown driver %q", c.Blob.Driver))
	}
	if _, err := artifact.ParseCompression(c.Artifacts.Compression); err != nil {
		errs = append(errs, fmt.Errorf("artifacts.compression: %w", err))
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "none", "stdout", "json":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter: unknown exporter %q", c.Tracing.Exporter))
	}
	if c.Mutation.MaxRetries < 1 {
		errs = append(errs, errors.New("mutation.max_retries must be at least 1"))
	}
	if c.HTTP.FeedbackRate < 0 || c.HTTP.FeedbackBurst < 0 {
		errs = append(errs, errors.New("http feedback rate and burst must not be negative"))
	}
	if _, err := devicecfg.NewRegistry(c.Devices...); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DeviceRegistry builds the registry of configured printers.
func (c *Config) DeviceRegistry() (*devicecfg.Registry, error) {
	return devicecfg.NewRegistry(c.Devices...)
}

// MutationTable returns the configured rule table, or the built-in one.
func (c *Config) MutationTable() (*mutation.Table, error) {
	if c.Mutation.TablePath == "" {
		return mutation.DefaultTable(), nil
	}
	f, err := os.Open(c.Mutation.TablePath)
	if err != nil {
		return nil, fmt.Errorf("open mutation table: %w", err)
	}
	defer func() { _ = f.Close() }()
	table, err := mutation.LoadTable(f)
	if err != nil {
		return nil, fmt.Errorf("mutation table %s: %w", c.Mutation.TablePath, err)
	}
	return table, nil
}
