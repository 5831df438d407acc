package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"fedreg/internal/errors"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Numerics  NumericsConfig  `yaml:"numerics"`
	Cache     CacheConfig     `yaml:"cache"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProtocolConfig selects the aggregation strategy and column parallelism
type ProtocolConfig struct {
	Strategy string  `yaml:"strategy"`
	Lambda   float64 `yaml:"lambda"`
	Workers  int     `yaml:"workers"`
}

// NumericsConfig holds numeric policy
type NumericsConfig struct {
	// ConditionLimit is the largest condition number accepted before a
	// matrix is treated as singular.
	ConditionLimit float64 `yaml:"condition_limit"`
}

// CacheConfig selects and configures the coordinator's cross-round store
type CacheConfig struct {
	Backend     string   `yaml:"backend"`
	Dir         string   `yaml:"dir"`
	SQLitePath  string   `yaml:"sqlite_path"`
	PostgresURL string   `yaml:"postgres_url"`
	S3          S3Config `yaml:"s3"`
}

// S3Config holds object-store cache settings
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// ArtifactsConfig controls side artifacts emitted at the end of a round
type ArtifactsConfig struct {
	Enabled           bool   `yaml:"enabled"`
	MaskFile          string `yaml:"mask_file"`
	RenderConcurrency int    `yaml:"render_concurrency"`
	Report            bool   `yaml:"report"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	Port    string `yaml:"port"`
	GinMode string `yaml:"gin_mode"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Strategy names
const (
	StrategyOLS   = "ols"
	StrategyRidge = "ridge"
)

// Cache backend names
const (
	CacheBackendFile     = "file"
	CacheBackendSQLite   = "sqlite"
	CacheBackendPostgres = "postgres"
	CacheBackendS3       = "s3"
)

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Protocol: ProtocolConfig{
			Strategy: StrategyOLS,
			Workers:  runtime.NumCPU(),
		},
		Numerics: NumericsConfig{ConditionLimit: 1e12},
		Cache: CacheConfig{
			Backend:    CacheBackendFile,
			SQLitePath: "fedreg-cache.db",
		},
		Artifacts: ArtifactsConfig{
			Enabled:           true,
			MaskFile:          "mask.nii",
			RenderConcurrency: 4,
			Report:            true,
		},
		Server:  ServerConfig{Port: "8080", GinMode: "release"},
		Logging: LoggingConfig{Level: "INFO"},
	}
}

// Load reads configuration from an optional YAML file named by FEDREG_CONFIG,
// then environment variables, and validates it
func Load() (*Config, error) {
	config := Default()

	if path := os.Getenv("FEDREG_CONFIG"); path != "" {
		if err := loadYAML(path, config); err != nil {
			return nil, errors.Wrap(err, "failed to load configuration file")
		}
	}

	applyEnv(config)

	if err := Validate(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

func loadYAML(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.IOFailure("reading "+path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return errors.WithCode(errors.CodeConfigInvalid, err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Protocol.Strategy = strings.ToLower(getEnvOrDefault("FEDREG_STRATEGY", c.Protocol.Strategy))
	c.Protocol.Lambda = getEnvFloatOrDefault("FEDREG_LAMBDA", c.Protocol.Lambda)
	c.Protocol.Workers = getEnvIntOrDefault("FEDREG_WORKERS", c.Protocol.Workers)

	c.Numerics.ConditionLimit = getEnvFloatOrDefault("FEDREG_CONDITION_LIMIT", c.Numerics.ConditionLimit)

	c.Cache.Backend = strings.ToLower(getEnvOrDefault("FEDREG_CACHE_BACKEND", c.Cache.Backend))
	c.Cache.Dir = getEnvOrDefault("FEDREG_CACHE_DIR", c.Cache.Dir)
	c.Cache.SQLitePath = getEnvOrDefault("FEDREG_SQLITE_PATH", c.Cache.SQLitePath)
	c.Cache.PostgresURL = getEnvOrDefault("DATABASE_URL", c.Cache.PostgresURL)
	c.Cache.S3.Bucket = getEnvOrDefault("FEDREG_S3_BUCKET", c.Cache.S3.Bucket)
	c.Cache.S3.Region = getEnvOrDefault("AWS_REGION", c.Cache.S3.Region)
	c.Cache.S3.Endpoint = getEnvOrDefault("FEDREG_S3_ENDPOINT", c.Cache.S3.Endpoint)
	c.Cache.S3.Prefix = getEnvOrDefault("FEDREG_S3_PREFIX", c.Cache.S3.Prefix)
	c.Cache.S3.AccessKeyID = getEnvOrDefault("AWS_ACCESS_KEY_ID", c.Cache.S3.AccessKeyID)
	c.Cache.S3.SecretAccessKey = getEnvOrDefault("AWS_SECRET_ACCESS_KEY", c.Cache.S3.SecretAccessKey)
	c.Cache.S3.UsePathStyle = getEnvBoolOrDefault("FEDREG_S3_PATH_STYLE", c.Cache.S3.UsePathStyle)

	c.Artifacts.Enabled = getEnvBoolOrDefault("FEDREG_ARTIFACTS", c.Artifacts.Enabled)
	c.Artifacts.MaskFile = getEnvOrDefault("FEDREG_MASK_FILE", c.Artifacts.MaskFile)
	c.Artifacts.RenderConcurrency = getEnvIntOrDefault("FEDREG_RENDER_CONCURRENCY", c.Artifacts.RenderConcurrency)
	c.Artifacts.Report = getEnvBoolOrDefault("FEDREG_REPORT", c.Artifacts.Report)

	c.Server.Port = getEnvOrDefault("PORT", c.Server.Port)
	c.Server.GinMode = getEnvOrDefault("GIN_MODE", c.Server.GinMode)

	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
}

// Validate checks cross-field constraints
func Validate(config *Config) error {
	switch config.Protocol.Strategy {
	case StrategyOLS, StrategyRidge:
	default:
		return errors.ConfigInvalid("unknown strategy " + strconv.Quote(config.Protocol.Strategy))
	}
	if config.Protocol.Lambda < 0 {
		return errors.ConfigInvalid("lambda must be non-negative")
	}
	if config.Protocol.Workers <= 0 {
		config.Protocol.Workers = 1
	}
	if config.Numerics.ConditionLimit <= 1 {
		return errors.ConfigInvalid("condition limit must be greater than 1")
	}
	switch config.Cache.Backend {
	case CacheBackendFile, CacheBackendSQLite:
	case CacheBackendPostgres:
		if config.Cache.PostgresURL == "" {
			return errors.ConfigInvalid("DATABASE_URL is required for the postgres cache")
		}
	case CacheBackendS3:
		if config.Cache.S3.Bucket == "" {
			return errors.ConfigInvalid("FEDREG_S3_BUCKET is required for the s3 cache")
		}
	default:
		return errors.ConfigInvalid("unknown cache backend " + strconv.Quote(config.Cache.Backend))
	}
	if config.Artifacts.RenderConcurrency <= 0 {
		config.Artifacts.RenderConcurrency = 1
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
