package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketfeed    MarketfeedConfig     `yaml:"marketfeed"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Reader        ReaderConfig         `yaml:"reader"`
	Sources       SourcesConfig        `yaml:"sources"`
	Storage       StorageConfig        `yaml:"storage"`
	Logging       LoggingConfig        `yaml:"logging"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

type MarketfeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	QueueDepth bool          `yaml:"queue_depth"`
	Interval   time.Duration `yaml:"interval"`
	Region     string        `yaml:"region"`
	Namespace  string        `yaml:"namespace"`
	Dashboard  string        `yaml:"dashboard"`
}

type ReaderConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// SubscriptionConfig describes one feed subscription: which symbol to
// stream, at which resolution, and which source kind backs it.
type SubscriptionConfig struct {
	Exchange   string `yaml:"exchange"`
	Symbol     string `yaml:"symbol"`
	Resolution string `yaml:"resolution"`
	// Source selects the enumerator: csv, parquet, s3, websocket, binance
	// or bybit.
	Source string `yaml:"source"`
	// Path is the local file for csv/parquet sources and the object key
	// prefix for s3 sources.
	Path string `yaml:"path,omitempty"`
}

type SourcesConfig struct {
	Binance   BinanceSourceConfig   `yaml:"binance"`
	Bybit     BybitSourceConfig     `yaml:"bybit"`
	Websocket WebsocketSourceConfig `yaml:"websocket"`
	S3        S3SourceConfig        `yaml:"s3"`
}

type BinanceSourceConfig struct {
	URL        string `yaml:"url"`
	IntervalMs int    `yaml:"interval_ms"`
	Depth      int    `yaml:"depth"`
}

type BybitSourceConfig struct {
	URL        string `yaml:"url"`
	Category   string `yaml:"category"`
	IntervalMs int    `yaml:"interval_ms"`
	Depth      int    `yaml:"depth"`
}

type WebsocketSourceConfig struct {
	URL             string `yaml:"url"`
	ReadBufferBytes int    `yaml:"read_buffer_bytes"`
	MessageBuffer   int    `yaml:"message_buffer"`
}

type S3SourceConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, "config/config.yml", map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			QueueDepth: true,
			Interval:   time.Second,
		},
	}
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

var envVarRegexp = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv substitutes ${VAR} references in the raw config with the
// corresponding environment variable values. Unset variables expand to the
// empty string.
func expandEnv(data []byte) []byte {
	return envVarRegexp.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarRegexp.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func validateConfig(cfg *Config) error {
	if cfg.Marketfeed.Name == "" {
		return fmt.Errorf("marketfeed.name is required")
	}

	if cfg.Marketfeed.Version == "" {
		return fmt.Errorf("marketfeed.version is required")
	}

	if len(cfg.Subscriptions) == 0 && IsProductionLike(AppEnvironment()) {
		return fmt.Errorf("at least one subscription is required")
	}

	for i, sub := range cfg.Subscriptions {
		if sub.Symbol == "" {
			return fmt.Errorf("subscriptions[%d].symbol is required", i)
		}
		if sub.Resolution == "" {
			return fmt.Errorf("subscriptions[%d].resolution is required", i)
		}
		if sub.Source == "" {
			return fmt.Errorf("subscriptions[%d].source is required", i)
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
